package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"fencecraft.ai/internal/sim/fence/grid"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		actor    = flag.String("actor", "bot", "actor id")
		x        = flag.Int("x", 0, "ring origin x (cells)")
		y        = flag.Int("y", 0, "ring origin y (cells)")
		w        = flag.Int("w", 4, "ring width (cells)")
		h        = flag.Int("h", 4, "ring height (cells)")
		material = flag.String("material", "WOOD", "material")
		teardown = flag.Bool("teardown", false, "remove the ring again after building it")
		watch    = flag.Bool("watch", false, "keep listening for relayed edits")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	c, err := dial(*url, *actor, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer c.Close()

	placed, err := c.buildRing(grid.Bounds{X: *x, Y: *y, W: *w, H: *h}, *material)
	if err != nil {
		logger.Fatalf("build: %v", err)
	}
	v := c.mirror.View()
	logger.Printf("placed=%d pieces=%d enclosures=%d digest=%s", len(placed), v.Len(), len(v.Enclosures()), c.mirror.Digest())

	if *teardown {
		n, err := c.tearDown(placed)
		if err != nil {
			logger.Fatalf("teardown: %v", err)
		}
		logger.Printf("removed=%d", n)
	}

	if *watch {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := c.watch(ctx); err != nil {
			logger.Printf("watch: %v", err)
		}
	}
}
