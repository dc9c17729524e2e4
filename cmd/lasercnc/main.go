package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mastercactapus/lasercnc/grbl"
	"github.com/mastercactapus/lasercnc/limits"
	"github.com/mastercactapus/lasercnc/machine"
	"github.com/mastercactapus/lasercnc/serialport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	if cfg.ListPorts {
		err = listPorts()
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
}

func listPorts() error {
	ports, err := serialport.ListPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Printf("%s\t%s:%s\t%s\t%s\n", p.Name, p.VID, p.PID, p.Serial, p.Product)
	}
	return nil
}

func openConn(device string, baud int, opt serialport.ConnOptions) (*serialport.Conn, error) {
	p, err := serialport.Open(serialport.Config{Device: device, Baud: baud})
	if err != nil {
		return nil, err
	}
	log.WithField("port", device).Infoln("opened")
	return serialport.NewConn(p, opt), nil
}

func run(ctx context.Context, cfg *config) error {
	p := machine.DefaultProfile()
	if cfg.Profile != "" {
		var err error
		p, err = machine.LoadProfile(cfg.Profile)
		if err != nil {
			return err
		}
	}

	con := newConsole()

	gc, err := openConn(cfg.GRBLPort, cfg.Baud, serialport.ConnOptions{
		WriteTimeout: time.Second,
		Monitor:      con.Monitor,
	})
	if err != nil {
		return fmt.Errorf("grbl: %w", err)
	}
	drv := grbl.NewDriver(gc, p.Timeouts)
	defer drv.Close()

	lc, err := openConn(cfg.LimitsPort, cfg.Baud, serialport.ConnOptions{})
	if err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	lim := limits.NewController(lc, cfg.LimitsMaxAge)
	defer lim.Close()

	st := machine.NewStore(p.MaxSkew)
	coord := machine.NewCoordinator(drv, lim, p, st)

	// the controller may still be booting
	err = drv.SoftReset(ctx)
	if err != nil {
		log.Warnln("grbl: soft reset:", err)
	}
	err = coord.LoadSettings(ctx)
	if err != nil {
		log.Warnln("grbl: load settings:", err)
	}

	a := newAPI(coord, lim, con, cfg.DataDir)
	defer a.Close()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			log.Debugf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
			a.ServeHTTP(w, req)
		}),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infoln("listening on", cfg.Addr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return a.publishState(ctx) })
	g.Go(func() error {
		err := drv.PollStatus(ctx, cfg.PollInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("grbl: %w", err)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-lim.Done():
			return errors.New("limits: connection lost")
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
