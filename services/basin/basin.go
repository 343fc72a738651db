// Basin is a runnable schema-driven record service. Collections are defined
// at runtime through the REST surface; records, hooks and realtime fan-out
// follow the schema immediately.
package main

import (
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/basin-tech/basin/core"
	"github.com/basin-tech/basin/core/access"
	"github.com/basin-tech/basin/core/backend"
	"github.com/basin-tech/basin/core/csql"
	"github.com/basin-tech/basin/core/filestore"
	"github.com/basin-tech/basin/core/logger"
	"github.com/basin-tech/basin/core/realtime"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Service holds the configuration for this service
//
// use DATABASE="basin.db" for a file-backed database
type Service struct {
	Database      string `env:"DATABASE,default=basin.db" description:"the sqlite database file"`
	Addr          string `env:"ADDR,default=:3000" description:"the listen address"`
	LogLevel      string `env:"LOG_LEVEL,default=info" description:"the log level"`
	MaxPerPage    int    `env:"MAX_PER_PAGE,default=200" description:"the maximum page size of list requests"`
	FilestorePath string `env:"FILESTORE_PATH,default=" description:"the base folder for stored files; empty disables the filestore"`
	FilestoreURL  string `env:"FILESTORE_URL,default=http://localhost:3000" description:"the public base URL of the filestore route"`
	KafkaBrokers  string `env:"KAFKA_BROKERS,default=" description:"comma separated kafka brokers; empty disables the event bridge"`
	KafkaTopic    string `env:"KAFKA_TOPIC,default=basin.events" description:"the kafka topic for change events"`
	JwtSecret     string `env:"JWT_SECRET,default=" description:"the HMAC secret for bearer tokens; empty disables token validation"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)
	log := logger.Default()

	db := csql.MustOpen(service.Database)
	defer db.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	if service.JwtSecret != "" {
		router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
			Secret: service.JwtSecret,
		}))
	}

	var fileDriver filestore.Driver
	if service.FilestorePath != "" {
		fileDriver, err = filestore.NewLocalFilesystem(router, filestore.LocalConfiguration{
			BasePath:  service.FilestorePath,
			PublicURL: service.FilestoreURL,
			Secret:    service.JwtSecret + "-filestore",
		})
		if err != nil {
			panic(err)
		}
	}

	var sinks []core.EventSink
	if service.KafkaBrokers != "" {
		kafkaSink := realtime.NewKafkaSink(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	backend.MustNew(&backend.Builder{
		DB:         db,
		Router:     router,
		Hub:        realtime.NewHub(),
		EventSinks: sinks,
		FileDriver: fileDriver,
		MaxPerPage: service.MaxPerPage,
	})

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"version":"` + version + `"}`))
	}).Methods(http.MethodGet)

	log.Infof("listen on %s", service.Addr)
	http.ListenAndServe(service.Addr,
		handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE"}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		)(handlers.CompressHandler(router)))
}
