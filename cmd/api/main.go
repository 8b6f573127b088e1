package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"ipaghazi.org/internal/artifact"
	"ipaghazi.org/internal/auth"
	"ipaghazi.org/internal/dist"
	"ipaghazi.org/internal/httpapi"
	"ipaghazi.org/internal/migrate"
	"ipaghazi.org/internal/obs"
	"ipaghazi.org/internal/store/pg"
)

var (
	version = "1.2.0"
	commit  = "unknown"
)

type cli struct {
	Addr      string `help:"Listen address." default:":8080" env:"IPAGHAZI_ADDR"`
	BaseURL   string `help:"External base URL used in generated download links." default:"http://localhost:8080" env:"IPAGHAZI_BASEURL"`
	Methods   string `help:"Space-separated list of enabled artifact retrieval methods." default:"file" env:"IPAGHAZI_METHODS"`
	AnonPerms string `help:"Space-separated permissions granted to anonymous callers." env:"IPAGHAZI_ANON_PERMS"`
	RootUser  string `help:"Bootstrap root user name." env:"IPAGHAZI_ROOT_USER"`
	RootKey   string `help:"Bootstrap root API key." env:"IPAGHAZI_ROOT_KEY"`
	PGDSN     string `help:"PostgreSQL DSN; in-memory storage when empty." env:"IPAGHAZI_PG_DSN"`
	Migrate   bool   `help:"Apply pending schema migrations on startup." default:"true" negatable:"" env:"IPAGHAZI_MIGRATE"`

	Version kong.VersionFlag `help:"Show version."`
}

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	var flags cli
	kctx := kong.Parse(&flags,
		kong.UsageOnError(),
		kong.Name("ipaghazi"),
		kong.Description("Internal iOS app distribution server."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	baseURL, err := url.Parse(flags.BaseURL)
	if err != nil {
		return err
	}

	var store dist.Store
	if flags.PGDSN != "" {
		pgStore, err := pg.Open(flags.PGDSN)
		if err != nil {
			return err
		}
		if flags.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := migrate.NewManager(pgStore.DB()).Up(ctx)
			cancel()
			if err != nil {
				return err
			}
		}
		store = pgStore
	} else {
		log.Println("no DSN configured, using in-memory storage")
		store = dist.NewInMemory()
	}
	defer store.Close()

	resolver := auth.NewResolver(store, flags.RootUser, flags.RootKey, strings.Fields(flags.AnonPerms))

	sources := artifact.NewRegistry(strings.Fields(flags.Methods))
	sources.Register("file", artifact.FileSource{})
	sources.Register("url", artifact.NewURLSource(nil))
	sources.Register("s3", artifact.NewS3Source())

	api := httpapi.New(store, resolver, sources, baseURL, version)

	srv := &http.Server{
		Addr:              flags.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Artifact downloads stream large archives; no write deadline.
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("Starting ipaghazi %s on %s", version, srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	}
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	log.Println("Stopped")
	return nil
}
