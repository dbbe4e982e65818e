package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"journeycore/client"
	"journeycore/protocol"
	"journeycore/server"
)

// 无界面客户端：完成启动序列后沿当前朝向行走，并应用服务端修正
func main() {
	var (
		url      string
		mapName  string
		level    string
		tickRate int
		speed    float64
		turn     float64
		duration time.Duration
	)
	flag.StringVar(&url, "url", "ws://localhost:8080/ws", "server websocket url")
	flag.StringVar(&mapName, "map", "AdventurersGuild", "map to load")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.IntVar(&tickRate, "tick", client.DefaultTickRate, "frames per second")
	flag.Float64Var(&speed, "speed", 96, "walk speed in world units per second")
	flag.Float64Var(&turn, "turn", 15, "turn rate in degrees per second")
	flag.DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	flag.Parse()

	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		panic(err)
	}
	log := server.NewConsoleLogger(lvl)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var current atomic.Pointer[client.World]
	conn, err := client.Dial(ctx, url, client.Options{
		Log: log,
		OnCorrection: func(p protocol.Vector2) {
			if w := current.Load(); w != nil {
				w.SetPosition(p)
			}
			log.Debugf("correction -> (%.1f, %.1f)", p.X, p.Y)
		},
	})
	if err != nil {
		fatal(log, &client.FatalError{Reason: "connect", Err: err})
	}
	defer func() { _ = conn.Close() }()
	log.Infof("connected: id=%s", conn.ID())

	cfg := client.DefaultBootstrapConfig(mapName)
	cfg.Textures = []string{"human", "projectiles"}
	w, err := client.Bootstrap(ctx, conn, cfg, log)
	if err != nil {
		fatal(log, &client.FatalError{Reason: "bootstrap", Err: err})
	}
	current.Store(w)

	walker := &walker{world: w, speed: speed, turn: turn, heading: w.Player.Rotation}
	loop := client.NewLoop(tickRate, conn, client.NewStateUpdater(), walker, &reporter{world: w, log: log}, log)
	if err := loop.Run(ctx); err != nil {
		fatal(log, err)
	}
	log.Infof("stopped after %d frames", loop.Frames())
}

func fatal(log *zap.SugaredLogger, err error) {
	log.Errorf("%v", err)
	_ = log.Sync()
	os.Exit(1)
}

// walker 以固定速度沿朝向前进，并缓慢转向
type walker struct {
	world   *client.World
	speed   float64
	turn    float64
	heading float64
}

func (k *walker) Poll(dt time.Duration, u *client.StateUpdater) error {
	sec := dt.Seconds()
	k.heading = math.Mod(k.heading+k.turn*sec, 360)
	rad := k.heading * math.Pi / 180
	step := protocol.Vector2{X: math.Sin(rad), Y: -math.Cos(rad)}.Scale(k.speed * sec)

	next := k.world.Position().Add(step)
	k.world.SetPosition(next)
	u.AllocatePosition(next)
	u.AllocateRotation(k.heading)
	return nil
}

// reporter 代替渲染：每秒输出一次位置
type reporter struct {
	world   *client.World
	log     *zap.SugaredLogger
	elapsed time.Duration
}

func (r *reporter) Render(dt time.Duration) error {
	r.elapsed += dt
	if r.elapsed < time.Second {
		return nil
	}
	r.elapsed = 0
	p := r.world.Position()
	r.log.Infof("position (%.1f, %.1f)", p.X, p.Y)
	return nil
}
