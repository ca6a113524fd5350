// Command slopevec synchronises the per-WFS slope maps into the global slope
// vector. Each cycle it collates every selected WFS that posts before a
// deadline measured from the first arrival, then publishes the vector exactly
// once; late sensors leave their slot stale.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/maruel/interrupt"

	"github.com/ltao-data/centroider/internal/slopevec"
)

var (
	wfsFlags = flag.Uint("wfsflags", slopevec.DefaultWFSFlags,
		"bitmap of selected WFSs; bit k selects WFS k (default 30 = WFS1-4)")
	nsubx    = flag.Int("nsubx", 32, "number of subapertures in x")
	nsuby    = flag.Int("nsuby", 32, "number of subapertures in y")
	deadline = flag.Float64("deadline", 200, "assembly deadline in microseconds, from the first arrival")
)

func main() {
	flag.Parse()
	log.SetPrefix("slopevec: ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg := slopevec.Config{
		WFSFlags: uint32(*wfsFlags),
		Nsubx:    *nsubx,
		Nsuby:    *nsuby,
		Deadline: time.Duration(*deadline * float64(time.Microsecond)),
	}

	streams, err := slopevec.OpenStreams(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer streams.Close()

	s, err := slopevec.NewSyncer(cfg, streams)
	if err != nil {
		streams.Close()
		log.Fatal(err)
	}

	interrupt.HandleCtrlC()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-interrupt.Channel
		cancel()
	}()

	if err := s.Run(ctx); err != nil {
		streams.Close()
		log.Fatal(err)
	}
	log.Printf("stopped after %d cycles (%d timeouts)", s.Cycles(), s.Timeouts())
}
