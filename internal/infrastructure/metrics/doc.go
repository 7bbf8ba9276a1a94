// Package metrics exports control plane counters to Prometheus.
//
// Metrics implements the command observer of the correlator and the
// observer of the redundancy orchestrator, so wiring it is a matter of
// passing it to controlplane.Options. Bus and monitor counters are read
// on scrape through WatchBus and WatchMonitor.
//
//	m := metrics.New()
//	cp, err := controlplane.New(controlplane.Options{
//	    CommandObserver:    m,
//	    RedundancyObserver: m,
//	}, registry)
//	m.WatchBus(func() events.Stats { return cp.Stats().Bus })
//
//	srv := metrics.NewServer(cfg.Metrics, m)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Shutdown(ctx)
package metrics
