package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/inkwire/inkwire/session"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Inkwire session daemon.

Hosts collaborative drawing sessions over websockets and serves the json
admin api. Clients join with signed tokens; mint them with inkwirectl.

Usage:
    inkwired serve [--listen=<addr>] [--store=<path>] [--records=<dir>]
        [--width=<px>] [--height=<px>]
        [--max_sessions=<max_sessions>] [--autosave=<seconds>]
        [--secret=<secret>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    -l --listen=<addr>             Listen address [default: :27750].
    --store=<path>                 Session database path [default: inkwire.db].
    --records=<dir>                Write session recordings into this directory.
    --width=<px>                   New canvas width [default: 800].
    --height=<px>                  New canvas height [default: 600].
    --max_sessions=<max_sessions>  Concurrent session limit [default: 64].
    --autosave=<seconds>           Canvas persist interval [default: 30].
    --secret=<secret>              Token signing secret. Read from INKWIRE_SECRET if unset.`

	// glog defaults to stderr unless overridden by the environment
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	storePath, _ := opts.String("--store")
	width, _ := opts.Int("--width")
	height, _ := opts.Int("--height")
	maxSessions, _ := opts.Int("--max_sessions")
	autosaveSeconds, _ := opts.Int("--autosave")

	var recordingDir string
	if recordsAny := opts["--records"]; recordsAny != nil {
		recordingDir = recordsAny.(string)
	}

	secret := RequireSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		select {
		case <-sigs:
			cancel()
		case <-cancelCtx.Done():
		}
	}()

	store, err := session.OpenStore(storePath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	settings := session.DefaultSessionServerSettings()
	settings.MaxSessions = maxSessions
	settings.Session.CanvasWidth = width
	settings.Session.CanvasHeight = height
	settings.Session.AutosaveInterval = time.Duration(autosaveSeconds) * time.Second
	settings.Session.RecordingDir = recordingDir

	server := session.NewSessionServer(cancelCtx, store, session.NewTokenAuth([]byte(secret)), settings)
	defer server.Close()

	httpServer := &http.Server{
		Addr:    listen,
		Handler: server.Router(),
	}

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			glog.Errorf("[inkwired]listen error = %s\n", err)
		}
	}()

	glog.Infof("[inkwired]%s listening on %s\n", RequireVersion(), listen)

	select {
	case <-cancelCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

func RequireSecret(opts docopt.Opts) string {
	if secretAny := opts["--secret"]; secretAny != nil {
		return secretAny.(string)
	}
	if secret := os.Getenv("INKWIRE_SECRET"); secret != "" {
		return secret
	}
	panic(fmt.Errorf("no token secret. Pass --secret or set INKWIRE_SECRET."))
}

func RequireVersion() string {
	if version := os.Getenv("INKWIRE_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
