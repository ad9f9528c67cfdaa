// cmd/worker hosts the server side of spec.md §4.3/§4.7: the request
// queue/thread pool answering Messenger traffic, the filesvc HTTP file
// service peer workers pull from, and (when --ingest-addr is set) the
// ingest listener loaders connect to.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"shardctl/internal/config"
	"shardctl/internal/filesvc"
	"shardctl/internal/ingest"
	"shardctl/internal/logx"
	"shardctl/internal/namedmutex"
	"shardctl/internal/secrets"
	"shardctl/internal/services"
	"shardctl/internal/token"
	"shardctl/internal/workerrequest"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log.Logger = logx.New()

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the controller's JSON config file")
	workerName := fs.String("worker", "", "this process's worker name, as listed in the config file")
	ingestAddr := fs.String("ingest-addr", "", "host:port to accept loader ingest connections on (disabled if empty)")
	poolSize := fs.Int("pool-size", 4, "number of concurrent execute() calls in flight")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *workerName == "" {
		fmt.Fprintln(os.Stderr, "--worker is required")
		return 1
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("load config")
			return 1
		}
		cfg = loaded
	}
	self, ok := cfg.Worker(*workerName)
	if !ok {
		log.Error().Str("worker", *workerName).Msg("worker not present in config")
		return 1
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = fmt.Sprintf("%s.db", self.Name)
	}
	db, err := services.Open(dbPath)
	if err != nil {
		log.Error().Err(err).Msg("open store")
		return 1
	}
	defer db.Close()
	store := services.NewStore(db)

	authKeyFn, err := wireAuthKey(context.Background(), db, cfg)
	if err != nil {
		log.Error().Err(err).Msg("wire auth key")
		return 1
	}

	fileClient := filesvc.NewClient(configWorkersByName(cfg))
	exec := workerrequest.New(self, fileClient, *poolSize)
	defer exec.Close()

	fileServer := filesvc.NewServer(self)
	fileAddr := fmt.Sprintf("%s:%d", self.FileSvcHost, self.FileSvcPort)
	go func() {
		log.Info().Str("addr", fileAddr).Msg("filesvc listening")
		if err := http.ListenAndServe(fileAddr, fileServer.Routes()); err != nil {
			log.Error().Err(err).Msg("filesvc server stopped")
		}
	}()

	svcAddr := fmt.Sprintf("%s:%d", self.SvcHost, self.SvcPort)
	ln, err := net.Listen("tcp", svcAddr)
	if err != nil {
		log.Error().Err(err).Str("addr", svcAddr).Msg("listen")
		return 1
	}
	defer ln.Close()

	if *ingestAddr != "" {
		mutexes := &namedmutex.Registry{}
		deps := ingest.Deps{
			Store:     store,
			Mutexes:   mutexes,
			Config:    cfg,
			AuthKey:   authKeyFn,
			LoaderDir: self.LoaderDir,
			Worker:    self.Name,
		}
		ingestLn, err := net.Listen("tcp", *ingestAddr)
		if err != nil {
			log.Error().Err(err).Str("addr", *ingestAddr).Msg("listen ingest")
			return 1
		}
		defer ingestLn.Close()
		go serveIngest(ingestLn, deps)
	}

	log.Info().Str("worker", self.Name).Str("addr", svcAddr).Msg("worker request service listening")
	srv := newWireServer(exec)
	if err := srv.Serve(ln); err != nil {
		log.Error().Err(err).Msg("wire server stopped")
		return 2
	}
	return 0
}

// wireAuthKey builds Deps.AuthKey for the ingest listener: a no-auth
// func() (string, error) { return "", nil } unless NodeKeyEnv names an
// environment variable that is actually set in the process environment, in
// which case internal/secrets derives this worker's master key and
// internal/token is wired on top of it so the handshake's authKey is
// checked against the envelope-encrypted value stored in this worker's own
// database.
func wireAuthKey(ctx context.Context, db *sql.DB, cfg config.Config) (func() (string, error), error) {
	nodeKeyEnv := cfg.NodeKeyEnv
	if nodeKeyEnv == "" {
		nodeKeyEnv = config.Defaults().NodeKeyEnv
	}
	if os.Getenv(nodeKeyEnv) == "" {
		return func() (string, error) { return "", nil }, nil
	}
	km, err := secrets.Load(ctx, db, nodeKeyEnv)
	if err != nil {
		return nil, fmt.Errorf("derive node key from %s: %w", nodeKeyEnv, err)
	}
	token.Init(secrets.NewService(db, km))
	return token.GetAuthKey, nil
}

func configWorkersByName(cfg config.Config) map[string]config.Worker {
	out := make(map[string]config.Worker, len(cfg.Workers))
	for _, w := range cfg.Workers {
		out[w.Name] = w
	}
	return out
}

func serveIngest(ln net.Listener, deps ingest.Deps) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error().Err(err).Msg("ingest accept")
			return
		}
		go func() {
			if err := ingest.Serve(context.Background(), conn, deps); err != nil {
				log.Warn().Err(err).Msg("ingest connection")
			}
		}()
	}
}
