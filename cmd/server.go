package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/elazzi/tuyalocalwebserver/internal/pkg/handlers"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/lantuya"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/logging"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/registry"
	"github.com/elazzi/tuyalocalwebserver/internal/pkg/router"
	"github.com/elazzi/tuyalocalwebserver/pkg/middlewares"
)

var _serverCmdOpts struct {
	httpPort         uint16
	dataDir          string
	devicesFile      string
	catalogFile      string
	cloudConfigFile  string
	webRoot          string
	scanWait         time.Duration
	gracefulTimeout  time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	dialTimeout      time.Duration
	ioTimeout        time.Duration
	maxStatusWorkers int
	logRequests      bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the device control web server",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServer(); err != nil {
			return err
		}

		return nil
	},
}

func init() {
	serverCmd.Flags().Uint16Var(&_serverCmdOpts.httpPort, "port", 8888, "HTTP port number")
	serverCmd.Flags().StringVar(&_serverCmdOpts.dataDir, "data-dir", ".", "directory holding the registry, catalog and credential files")
	serverCmd.Flags().StringVar(&_serverCmdOpts.devicesFile, "devices-file", "devicesw.json", "device registry file name")
	serverCmd.Flags().StringVar(&_serverCmdOpts.catalogFile, "catalog-file", "devices.json", "raw device catalog file name")
	serverCmd.Flags().StringVar(&_serverCmdOpts.cloudConfigFile, "cloud-config-file", "cloud.json", "cloud credentials file name")
	serverCmd.Flags().StringVar(&_serverCmdOpts.webRoot, "web-root", "web", "directory of browser UI assets")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.scanWait, "scan-wait", time.Second*2, "duration to listen for device broadcasts during discovery")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.dialTimeout, "dial-timeout", time.Second*5, "maximum duration of a device socket connect")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.ioTimeout, "io-timeout", time.Second*5, "maximum duration of a device socket read or write")
	serverCmd.Flags().IntVar(&_serverCmdOpts.maxStatusWorkers, "max-status-workers", 10, "maximum concurrent device sessions during a bulk status sweep")
	serverCmd.Flags().BoolVar(&_serverCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("http.port", serverCmd.Flags().Lookup("port")))
	errPanic(viper.GetViper().BindPFlag("storage.data-dir", serverCmd.Flags().Lookup("data-dir")))
	errPanic(viper.GetViper().BindPFlag("storage.devices-file", serverCmd.Flags().Lookup("devices-file")))
	errPanic(viper.GetViper().BindPFlag("storage.catalog-file", serverCmd.Flags().Lookup("catalog-file")))
	errPanic(viper.GetViper().BindPFlag("storage.cloud-config-file", serverCmd.Flags().Lookup("cloud-config-file")))
	errPanic(viper.GetViper().BindPFlag("http.web-root", serverCmd.Flags().Lookup("web-root")))
	errPanic(viper.GetViper().BindPFlag("scan.wait", serverCmd.Flags().Lookup("scan-wait")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", serverCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", serverCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", serverCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("lan.dial-timeout", serverCmd.Flags().Lookup("dial-timeout")))
	errPanic(viper.GetViper().BindPFlag("lan.io-timeout", serverCmd.Flags().Lookup("io-timeout")))
	errPanic(viper.GetViper().BindPFlag("status.max-workers", serverCmd.Flags().Lookup("max-status-workers")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", serverCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(serverCmd)
}

func doServer() error {
	wait := viper.GetDuration("http.graceful-timeout")
	port := viper.GetUint("http.port")
	dataDir := viper.GetString("storage.data-dir")
	devicesPath := filepath.Join(dataDir, viper.GetString("storage.devices-file"))
	catalogPath := filepath.Join(dataDir, viper.GetString("storage.catalog-file"))
	cloudPath := filepath.Join(dataDir, viper.GetString("storage.cloud-config-file"))
	webRoot := viper.GetString("http.web-root")
	scanWait := viper.GetDuration("scan.wait")
	maxStatusWorkers := viper.GetInt("status.max-workers")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	store := registry.NewStore(devicesPath)
	if err := store.Load(); err != nil {
		return err
	}

	catalog := registry.NewCatalog(catalogPath)
	if err := catalog.Load(); err != nil {
		return err
	}

	ch, err := handlers.NewCloudHandler(cloudPath, catalog)
	if err != nil {
		return err
	}

	lan := lantuya.NewLiveProtocol().
		WithTimeouts(viper.GetDuration("lan.dial-timeout"), viper.GetDuration("lan.io-timeout"))
	rt := router.New(store, lan, ch)
	dh := handlers.NewDevicesHandler(store, catalog, rt, lan, handlers.NewScanLock(), scanWait, maxStatusWorkers)

	r := mux.NewRouter()
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	r.Use(middlewares.NewCorsMw(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-Correlation-ID"},
	}))

	r.HandleFunc("/api/discover", dh.Discover).Methods(http.MethodPost)
	r.HandleFunc("/api/add_device", dh.AddDevice).Methods(http.MethodPost)
	r.HandleFunc("/api/add_device_via_gateway", dh.AddViaGateway).Methods(http.MethodPost)
	r.HandleFunc("/api/devices", dh.ListDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/status", dh.BulkStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{id}", dh.DeleteDevice).Methods(http.MethodDelete)
	r.HandleFunc("/api/devices/{id}/status", dh.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{id}/control", dh.Control).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{id}/set_default_features", dh.SetDefaultFeatures).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{id}/set_gateway", dh.SetGateway).Methods(http.MethodPost)
	r.HandleFunc("/api/cloud/config", ch.GetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/cloud/config", ch.SetConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/cloud/import", ch.Import).Methods(http.MethodPost)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(webRoot)))

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}

	logging.Logger(nil).Infof("Serving on port %d", port)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	logging.Logger(nil).Info("shutting down")
	if err := s.Shutdown(ctx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}
	logging.Logger(nil).Info("exiting")
	return nil
}
