// Command n2krouter is the composition root: it loads a config.Document, builds the couplers,
// filters and publishers it describes, and runs them until a stop signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/aldas/n2krouter"
	"github.com/aldas/n2krouter/addressmapper"
	"github.com/aldas/n2krouter/config"
	"github.com/aldas/n2krouter/coupler"
	"github.com/aldas/n2krouter/filter"
	"github.com/aldas/n2krouter/n2kapp"
	"github.com/aldas/n2krouter/n2kcontroller"
	"github.com/aldas/n2krouter/publisher"
	"github.com/aldas/n2krouter/tracelog"
)

func main() {
	configPath := flag.String("config", "n2krouter.yaml", "path to the router configuration document")
	traceDir := flag.String("trace-dir", "", "override trace_dir for every coupler/publisher that requests tracing")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	installHardStop()

	f, err := os.Open(*configPath)
	if err != nil {
		log.Fatalf("n2krouter: opening config %s: %v\n", *configPath, err)
	}
	doc, err := config.Load(f)
	_ = f.Close()
	if err != nil {
		log.Fatalf("n2krouter: %v\n", err)
	}

	router, err := buildRouter(doc, *traceDir)
	if err != nil {
		log.Fatalf("n2krouter: %v\n", err)
	}

	if err := router.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("n2krouter: %v\n", err)
	}
}

// installHardStop makes a second SIGINT/SIGTERM within 2s of the first abort the process
// immediately, per spec.md §6's stop-cascade rule: a first signal asks for a graceful stop, a
// second says "stop asking".
func installHardStop() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		select {
		case <-sigCh:
			os.Exit(1)
		case <-time.After(2 * time.Second):
		}
	}()
}

// router holds every coupler and publisher built from a config.Document, wired to each other by
// the coupler-name references in each publisher's sinks list.
type router struct {
	traces       []*tracelog.Trace
	couplers     map[string]*coupler.Coupler
	couplerModes map[string]coupler.Mode
	publishers   []*publisher.Publisher

	// controllerOpen and controllerApps are set when the document names a controller: its coupler
	// is opened directly (not wrapped in a generic Coupler) because the ActiveController owns that
	// Device exclusively, per n2kcontroller's own "owns a Device" design.
	controllerOpen coupler.Opener
	controllerApps []config.ApplicationOptions

	// nodes tracks every node seen on the controller's bus (claimed addresses, product info),
	// independent of which Application, if any, a given frame was addressed to.
	nodes *addressmapper.AddressMapper
}

func buildRouter(doc *config.Document, traceDirOverride string) (*router, error) {
	factory := config.NewFactory()

	filters := make(map[string]filter.Filter, len(doc.Filters))
	for _, fo := range doc.Filters {
		built, err := config.BuildFilter(fo)
		if err != nil {
			return nil, fmt.Errorf("building filter %q: %w", fo.Name, err)
		}
		if !built.Valid() {
			return nil, fmt.Errorf("filter %q: invalid configuration", fo.Name)
		}
		filters[fo.Name] = built
	}

	r := &router{
		couplers:     make(map[string]*coupler.Coupler, len(doc.Couplers)),
		couplerModes: make(map[string]coupler.Mode, len(doc.Couplers)),
	}

	for _, co := range doc.Couplers {
		cfg, err := factory.BuildCoupler(co)
		if err != nil {
			return nil, fmt.Errorf("building coupler %q: %w", co.Name, err)
		}
		if co.Trace {
			trace, err := newTrace(co.Common, traceDirOverride)
			if err != nil {
				return nil, fmt.Errorf("coupler %q: %w", co.Name, err)
			}
			r.traces = append(r.traces, trace)
			cfg.TraceWriter = trace
		}
		if doc.Controller != nil && doc.Controller.Coupler == co.Name {
			// The controller's coupler is not driven through the generic Coupler/Publisher path:
			// the ActiveController reads and writes its Device directly.
			r.controllerOpen = cfg.Open
			r.controllerApps = doc.Controller.Applications
			continue
		}
		r.couplers[co.Name] = coupler.New(cfg)
		r.couplerModes[co.Name] = cfg.Mode
	}

	for _, po := range doc.Publishers {
		var fs *filter.FilterSet
		if po.Filter != "" {
			f, ok := filters[po.Filter]
			if !ok {
				return nil, fmt.Errorf("publisher %q: unknown filter %q", po.Name, po.Filter)
			}
			built, err := filter.NewFilterSet(f)
			if err != nil {
				return nil, fmt.Errorf("publisher %q: %w", po.Name, err)
			}
			fs = built
		}

		var recorder publisher.EventRecorder
		if po.Trace {
			trace, err := newTrace(po.Common, traceDirOverride)
			if err != nil {
				return nil, fmt.Errorf("publisher %q: %w", po.Name, err)
			}
			r.traces = append(r.traces, trace)
			recorder = trace
		}

		cfg, err := factory.BuildPublisher(po, fs, recorder)
		if err != nil {
			return nil, fmt.Errorf("building publisher %q: %w", po.Name, err)
		}
		pub := publisher.New(cfg)
		for _, sinkName := range po.Sinks {
			c, ok := r.couplers[sinkName]
			if !ok {
				return nil, fmt.Errorf("publisher %q: unknown sink coupler %q", po.Name, sinkName)
			}
			pub.AddSink(couplerSink{name: sinkName, coupler: c, mode: r.couplerModes[sinkName]})
		}
		r.publishers = append(r.publishers, pub)
	}

	return r, nil
}

func newTrace(common config.Common, dirOverride string) (*tracelog.Trace, error) {
	dir := common.TraceDir
	if dirOverride != "" {
		dir = dirOverride
	}
	if dir == "" {
		dir = "."
	}
	traceType := "nmea0183"
	if common.Mode == "nmea2000" {
		traceType = "nmea2000"
	}
	path := filepath.Join(dir, common.Name+".trace")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file %s: %w", path, err)
	}
	return tracelog.New(traceType, f)
}

// run starts every publisher and every coupler's read loop, feeding each received message to every
// publisher (couplers don't target a specific publisher in the config document; fan-in is
// broadcast and each publisher's own FilterSet narrows what actually reaches its sinks). run blocks
// until ctx is cancelled or a coupler/publisher reports a fatal error.
func (r *router) run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(r.couplers)+len(r.publishers)+1)

	if r.controllerOpen != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.runController(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("controller: %w", err)
			}
		}()
	}

	for _, pub := range r.publishers {
		pub := pub
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	for name, c := range r.couplers {
		name, c := name, c
		mode := r.couplerModes[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Open(ctx); err != nil {
				errCh <- fmt.Errorf("coupler %q: %w", name, err)
				return
			}
			defer func() { _ = c.Close(false) }()

			err := c.Run(ctx, func(raw nmea.RawMessage) {
				msg, ok := toGenericMessage(mode, raw)
				if !ok {
					return
				}
				for _, pub := range r.publishers {
					pub.Push(msg)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("coupler %q: %w", name, err)
			}
		}()
	}

	wg.Wait()
	for _, t := range r.traces {
		_ = t.Close()
	}
	close(errCh)

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runController opens the controller's Device directly, registers every configured Application
// (claiming an address for each before the controller starts dispatching) and runs the
// ActiveController's read loop until ctx is cancelled. An addressmapper.AddressMapper observes every
// frame the controller sees, so the router also builds a picture of every other node on the bus, not
// just traffic addressed to one of the router's own Applications.
func (r *router) runController(ctx context.Context) error {
	device, err := r.controllerOpen(ctx)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	if err := device.Initialize(); err != nil {
		return fmt.Errorf("initializing device: %w", err)
	}
	defer func() { _ = device.Close() }()

	nodes := addressmapper.NewAddressMapper(device)
	go func() {
		if err := nodes.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("n2krouter: bus node mapper stopped: %v\n", err)
		}
	}()
	r.nodes = nodes

	ctrl := n2kcontroller.NewActiveController(device)
	ctrl.Observer = func(raw nmea.RawMessage) {
		if _, err := nodes.Process(raw); err != nil {
			log.Printf("n2krouter: bus node mapper: %v\n", err)
		}
	}
	for _, appOpts := range r.controllerApps {
		app, err := config.BuildApplication(appOpts, device)
		if err != nil {
			return fmt.Errorf("application %q: %w", appOpts.Name, err)
		}
		if err := app.ClaimAddress(ctx); err != nil && !errors.Is(err, n2kapp.ErrNoFreeAddress) {
			return fmt.Errorf("application %q: claiming address: %w", appOpts.Name, err)
		}
		time.AfterFunc(250*time.Millisecond, app.ConfirmClaim)
		ctrl.AddApplication(app)
	}

	return ctrl.Run(ctx)
}

func toGenericMessage(mode coupler.Mode, raw nmea.RawMessage) (nmea.GenericMessage, bool) {
	switch mode {
	case coupler.ModeNMEA2000:
		return nmea.NewNMEA2000GenericMessage(raw), true
	case coupler.ModeNMEA0183:
		s, err := nmea.ParseSentence(raw.Data)
		if err != nil {
			return nmea.GenericMessage{}, false
		}
		return nmea.NewNMEA0183GenericMessage(s), true
	default:
		return nmea.GenericMessage{}, false
	}
}

// couplerSink adapts a *coupler.Coupler into a publisher.Sink, translating a GenericMessage back
// into the nmea.RawMessage the coupler's Write expects.
type couplerSink struct {
	name    string
	coupler *coupler.Coupler
	mode    coupler.Mode
}

func (s couplerSink) Name() string { return s.name }

func (s couplerSink) Write(ctx context.Context, msg nmea.GenericMessage) error {
	switch {
	case s.mode == coupler.ModeNMEA2000 && msg.N2K != nil:
		return s.coupler.Write(ctx, *msg.N2K)
	case s.mode == coupler.ModeNMEA0183 && msg.Sentence != nil:
		return s.coupler.Write(ctx, nmea.RawMessage{Time: msg.Timestamp, Data: msg.Sentence.Raw})
	default:
		return nil
	}
}
