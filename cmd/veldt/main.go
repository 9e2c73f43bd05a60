package main

import (
	"fmt"
	"math/rand"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veldt/engine/internal/config"
	"github.com/veldt/engine/internal/data"
	"github.com/veldt/engine/internal/sched"
	"github.com/veldt/engine/internal/scripting"
	"github.com/veldt/engine/internal/store"
	"github.com/veldt/engine/internal/world"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// Position is the demo spatial component driven by Lua behaviours.
type Position struct {
	X, Y float64
}

// Health is the demo stat component; entities expire when it reaches zero.
type Health struct {
	HP int32
}

// Behavior names the Lua function stepping an entity each tick.
type Behavior struct {
	Fn string
}

// behaviorSystem advances every scripted entity by calling its Lua step
// function with the current position.
type behaviorSystem struct {
	sched.BaseSystem
	engine    *scripting.Engine
	positions *store.Storage[Position]
	behaviors *store.Storage[Behavior]
}

func (s *behaviorSystem) Name() string { return "behavior" }

func (s *behaviorSystem) Reads() []sched.Resource {
	return []sched.Resource{s.behaviors}
}

func (s *behaviorSystem) Writes() []sched.Resource {
	return []sched.Resource{s.positions}
}

func (s *behaviorSystem) Run(f *sched.Frame) {
	s.behaviors.EachPresent(func(key uint32, b *Behavior) {
		pos, ok := s.positions.Get(key)
		if !ok {
			return
		}
		res := s.engine.Step(b.Fn, scripting.StepContext{
			Tick: uint64(f.Tick),
			Key:  key,
			X:    pos.X,
			Y:    pos.Y,
		})
		_, _ = s.positions.Set(key, Position{X: res.X, Y: res.Y})
	})
}

// decaySystem drains one HP per tick and marks drained entities destroyed.
type decaySystem struct {
	sched.BaseSystem
	w      *world.World
	health *store.Storage[Health]
}

func (s *decaySystem) Name() string { return "decay" }

func (s *decaySystem) Reads() []sched.Resource {
	return []sched.Resource{s.w.Entities()}
}

func (s *decaySystem) Writes() []sched.Resource {
	return []sched.Resource{s.health, s.w.DestroyedMarks()}
}

func (s *decaySystem) Run(*sched.Frame) {
	s.health.EachPresent(func(key uint32, h *Health) {
		if h.HP <= 1 {
			if e, ok := s.w.Entities().Get(key); ok {
				s.w.Destroy(*e)
			}
			return
		}
		_, _ = s.health.Set(key, Health{HP: h.HP - 1})
	})
}

// statsSystem logs aggregate state; it only reads, so the scheduler may run
// it alongside nothing that writes the same stores.
type statsSystem struct {
	sched.BaseSystem
	log       *zap.Logger
	w         *world.World
	positions *store.Storage[Position]
	health    *store.Storage[Health]
	every     store.Tick
}

func (s *statsSystem) Name() string { return "stats" }

func (s *statsSystem) Reads() []sched.Resource {
	return []sched.Resource{s.positions, s.health, s.w.Entities()}
}

func (s *statsSystem) Run(f *sched.Frame) {
	if s.every == 0 || f.Tick%s.every != 0 {
		return
	}
	moved := 0
	s.positions.EachChanged(func(uint32, *Position) { moved++ })
	s.log.Info("tick stats",
		zap.Uint64("tick", uint64(f.Tick)),
		zap.Uint32("entities", s.w.Entities().Count()),
		zap.Uint32("healthy", s.health.Count()),
		zap.Int("moved", moved))
}

func run() error {
	cfgPath := "config/veldt.toml"
	if p := os.Getenv("VELDT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	scenario, err := data.LoadScenario(cfg.Engine.Scenario)
	if err != nil {
		return fmt.Errorf("scenario: %w", err)
	}

	engine, err := scripting.NewEngine(cfg.Scripting.Dir, log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer engine.Close()

	w := world.New(log, cfg.Engine.Workers, cfg.Engine.StrictOrder)
	positions := world.AddStore[Position](w, "Position")
	health := world.AddStore[Health](w, "Health")
	behaviors := world.AddStore[Behavior](w, "Behavior")

	w.Register(&behaviorSystem{engine: engine, positions: positions, behaviors: behaviors})
	w.Register(&decaySystem{w: w, health: health})
	w.Register(&statsSystem{log: log, w: w, positions: positions, health: health, every: 10})

	spawned, err := spawnScenario(w, scenario, engine, positions, health, behaviors, log)
	if err != nil {
		return err
	}

	if err := w.Build(); err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	for i, wave := range w.Scheduler().Wavefronts() {
		log.Debug("wavefront", zap.Int("index", i), zap.Strings("systems", wave))
	}
	log.Info("scenario loaded",
		zap.String("name", scenario.Name),
		zap.Int("ticks", scenario.Ticks),
		zap.Int("entities", spawned))

	for i := 0; i < scenario.Ticks; i++ {
		if err := w.RunTick(); err != nil {
			return fmt.Errorf("run tick: %w", err)
		}
	}
	if err := w.VerifyInvariants(); err != nil {
		return fmt.Errorf("post-run invariants: %w", err)
	}

	log.Info("simulation complete",
		zap.Uint64("ticks", uint64(w.Tick())),
		zap.Uint32("entities", w.Entities().Count()))
	return nil
}

func spawnScenario(
	w *world.World,
	scenario *data.Scenario,
	engine *scripting.Engine,
	positions *store.Storage[Position],
	health *store.Storage[Health],
	behaviors *store.Storage[Behavior],
	log *zap.Logger,
) (int, error) {
	spawned := 0
	for _, entry := range scenario.Spawns {
		if entry.Behavior != "" && !engine.HasBehavior(entry.Behavior) {
			log.Warn("unknown behaviour, spawning inert",
				zap.String("spawn", entry.Name), zap.String("behavior", entry.Behavior))
			entry.Behavior = ""
		}
		for i := 0; i < entry.Count; i++ {
			e, ok := w.Spawn()
			if !ok {
				return spawned, fmt.Errorf("spawn %s: world full", entry.Name)
			}
			pos := Position{
				X: entry.X + rand.Float64()*entry.SpreadX,
				Y: entry.Y + rand.Float64()*entry.SpreadY,
			}
			if _, err := positions.Set(e.Key(), pos); err != nil {
				return spawned, err
			}
			if entry.Health > 0 {
				if _, err := health.Set(e.Key(), Health{HP: entry.Health}); err != nil {
					return spawned, err
				}
			}
			if entry.Behavior != "" {
				if _, err := behaviors.Set(e.Key(), Behavior{Fn: entry.Behavior}); err != nil {
					return spawned, err
				}
			}
			spawned++
		}
	}
	return spawned, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
