package sandbox

import (
	"context"
	"os"

	"github.com/tedsuo/ifrit"
)

// Runner runs a sandbox as an ifrit process: it is ready once every member
// has started, and it cleans up when signalled.
func Runner(s *Sandbox) ifrit.Runner {
	return ifrit.RunFunc(func(signals <-chan os.Signal, ready chan<- struct{}) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		started := make(chan error, 1)
		go func() {
			started <- s.Start(ctx)
		}()

		select {
		case err := <-started:
			if err != nil {
				return err
			}
		case sig := <-signals:
			s.logger.Infof("Signal %v received during start", sig)
			cancel()
			if err := <-started; err != nil {
				return err
			}
			return s.Cleanup(context.Background())
		}

		close(ready)

		sig := <-signals
		s.logger.Infof("Signal %v received, cleaning up", sig)
		return s.Cleanup(context.Background())
	})
}
