// Command sketchbot connects a handful of simulated artists to an easel
// server, lets them scribble, and reports whether their canvases agree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/easel/internal/canvas"
	"github.com/manpreetbhatti/easel/internal/client"
	"github.com/manpreetbhatti/easel/internal/protocol"
)

type options struct {
	url      string
	room     string
	password string
	artists  int
	strokes  int
	points   int
	pause    time.Duration
}

func main() {
	var opt options
	flag.StringVar(&opt.url, "url", "ws://localhost:8080/ws", "server websocket endpoint")
	flag.StringVar(&opt.room, "room", "sketchbot", "room to draw in")
	flag.StringVar(&opt.password, "password", "", "room password")
	flag.IntVar(&opt.artists, "artists", 4, "number of simulated artists")
	flag.IntVar(&opt.strokes, "strokes", 20, "strokes per artist")
	flag.IntVar(&opt.points, "points", 30, "points per stroke")
	flag.DurationVar(&opt.pause, "pause", 50*time.Millisecond, "pause between strokes")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opt); err != nil {
		log.Printf("🚫 sketchbot failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opt options) error {
	clients := make([]*client.Client, opt.artists)
	for i := range clients {
		c, err := client.Dial(ctx, opt.url)
		if err != nil {
			return err
		}
		defer c.Close()
		clients[i] = c

		if err := enter(ctx, c, opt, fmt.Sprintf("bot-%d", i+1)); err != nil {
			return err
		}
		log.Printf("🤖 %s joined %s as %s", c.Self().Name, c.RoomID(), c.Self().Color)
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		g.Go(func() error {
			return draw(gctx, c, opt, rand.New(rand.NewPCG(uint64(i), uint64(started.UnixNano()))))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Everyone has to observe the final revision of the first artist.
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	target := clients[0].Revision()
	for _, c := range clients {
		if err := c.AwaitRevision(waitCtx, target); err != nil {
			return fmt.Errorf("%s never reached revision %d: %w", c.Self().Name, target, err)
		}
	}

	for _, c := range clients {
		log.Printf("📊 %s: revision %d, %d visible", c.Self().Name, c.Revision(), len(c.Visible()))
	}
	log.Printf("✅ %d artists drew %d strokes each in %v", opt.artists, opt.strokes, time.Since(started).Round(time.Millisecond))
	return nil
}

func enter(ctx context.Context, c *client.Client, opt options, name string) error {
	err := c.Create(ctx, opt.room, opt.password, name)
	var ackErr *client.AckError
	if errors.As(err, &ackErr) && ackErr.Code == protocol.CodeAlreadyExists {
		err = c.Join(ctx, opt.room, opt.password, name)
	}
	return err
}

// jitter is the per-point step, in canvas-normalized units.
const jitter = 0.01

func clamp(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// scribble returns a random walk of n+1 points inside the unit square.
func scribble(rng *rand.Rand, n int) []canvas.Point {
	x, y := rng.Float64(), rng.Float64()
	path := make([]canvas.Point, 0, n+1)
	path = append(path, canvas.Point{X: x, Y: y})
	for i := 0; i < n; i++ {
		x = clamp(x + rng.NormFloat64()*jitter)
		y = clamp(y + rng.NormFloat64()*jitter)
		path = append(path, canvas.Point{X: x, Y: y})
	}
	return path
}

func draw(ctx context.Context, c *client.Client, opt options, rng *rand.Rand) error {
	b := client.NewBatcher(c, client.DefaultFlushInterval)

	for s := 0; s < opt.strokes; s++ {
		tool := canvas.Brush("")
		if rng.IntN(5) == 0 {
			tool = canvas.Eraser()
		}

		path := scribble(rng, opt.points)
		if _, err := b.Begin(tool, 1+rng.Float64()*9, path[0]); err != nil {
			return err
		}
		for i, p := range path[1:] {
			p.T = float64(time.Now().UnixMilli())
			if err := b.Add(p); err != nil {
				return err
			}
			if i%4 == 0 {
				c.Cursor(p.X, p.Y)
			}
			time.Sleep(2 * time.Millisecond)
		}
		if _, err := b.End(); err != nil {
			return err
		}

		switch rng.IntN(10) {
		case 0:
			if err := c.Undo(); err != nil {
				return err
			}
		case 1:
			if err := c.Redo(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opt.pause):
		}
	}
	return nil
}
