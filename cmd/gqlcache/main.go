package main

import (
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	gqlcache "github.com/gqlcache/gqlcache"
	"github.com/gqlcache/gqlcache/core"
)

var (
	// CLI flags
	configFlag         string
	listenFlag         string
	originFlag         string
	schemaFileFlag     string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file to use")
	flag.StringVar(&listenFlag, "listen", ":8080", "Address to listen on")
	flag.StringVar(&originFlag, "origin", "", "GraphQL origin URL to execute against (overrides config)")
	flag.StringVar(&schemaFileFlag, "schema", "", "Schema SDL file (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory caches)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config ConfigFile
	if configFlag != "" {
		var err error
		config, err = getConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if schemaFileFlag != "" {
		config.SchemaFile = schemaFileFlag
	}
	if config.Listen == "" {
		config.Listen = listenFlag
	}
	if dbFilenameFlag != "" {
		config.Db = dbFilenameFlag
	}
	if config.Db == "" {
		config.Db = "memory"
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	if config.SchemaFile == "" {
		log.Fatal().Msg("Please specify schema file")
	}

	schemaBytes, err := os.ReadFile(config.SchemaFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", config.SchemaFile).Msg("Could not read schema")
	}

	cachemap := gqlcache.CachemapOptions{Backend: "memory"}
	if config.Db != "" && config.Db != "memory" {
		cachemap = gqlcache.CachemapOptions{Backend: "sqlite", SQLiteFile: config.Db}
	}

	client, err := gqlcache.New(gqlcache.Config{
		Schema:          string(schemaBytes),
		URL:             config.Origin,
		CachemapOptions: cachemap,
		ResourceKey:     config.ResourceKey,
		Batch:           config.Batch,
		DefaultCacheControls: core.DefaultCacheControls{
			Query:        config.Defaults.Query,
			Mutation:     config.Defaults.Mutation,
			Subscription: config.Defaults.Subscription,
		},
		TypeCacheControls: config.TypeControls,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create client")
	}

	log.Info().Msgf("Serving GraphQL on %s, executing against %s", config.Listen, config.Origin)
	if err := http.ListenAndServe(config.Listen, router(client)); err != nil {
		panic(err)
	}
}

type graphqlRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName"`
}

func router(client *gqlcache.Client) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})

	r.Post("/graphql", func(w http.ResponseWriter, req *http.Request) {
		var body graphqlRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		result, err := client.Request(req.Context(), body.Query, &gqlcache.RequestOptions{
			Variables:     body.Variables,
			OperationName: body.OperationName,
			Tag:           req.Header.Get("X-Cache-Tag"),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Request failed")
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"errors": []map[string]string{{"message": err.Error()}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":   result.Data,
			"errors": result.Errors,
		})
	})

	r.Post("/cache/clear", func(w http.ResponseWriter, _ *http.Request) {
		client.ClearCache()
		w.WriteHeader(http.StatusAccepted)
	})

	r.Get("/cache/export", func(w http.ResponseWriter, req *http.Request) {
		snapshot, err := client.ExportCaches(req.URL.Query().Get("tag"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	})

	r.Post("/cache/import", func(w http.ResponseWriter, req *http.Request) {
		var snapshot core.Snapshot
		if err := json.NewDecoder(req.Body).Decode(&snapshot); err != nil {
			http.Error(w, "invalid snapshot", http.StatusBadRequest)
			return
		}
		if err := client.ImportCaches(&snapshot); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Error().Err(err).Msg("Error writing to client")
	}
}
