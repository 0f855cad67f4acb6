package app

import (
	"os"
	"os/signal"
	"syscall"

	logx "jobmanager/pkg/logx"
)

type StopReason string

const (
	StopSIGINT  StopReason = "sigint"
	StopSIGTERM StopReason = "sigterm"
)

// trapSignals routes SIGINT to graceful and SIGTERM to immediate until the
// returned func is called. Repeated signals call the handlers again.
func trapSignals(log logx.Logger, graceful, immediate func()) (stop func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				if sig == syscall.SIGTERM {
					log.Info("stop requested", logx.String("reason", string(StopSIGTERM)))
					immediate()
				} else {
					log.Info("stop requested", logx.String("reason", string(StopSIGINT)))
					graceful()
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
