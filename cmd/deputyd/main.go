// Command deputyd runs a single deputy: it supervises the commands assigned
// to this host by orders messages, reports resource usage and command
// status back on info messages, and forwards child output as printfs.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/procdeputy/deputy/bus"
	"github.com/procdeputy/deputy/bus/inmem"
	"github.com/procdeputy/deputy/deputy"
)

var (
	name     string
	logPath  string
	lcmurl   string
	verbose  bool
	httpAddr string
	noHTTP   bool
)

var rootCmd = &cobra.Command{
	Use:   "deputyd",
	Short: "Distributed process-supervision deputy daemon",
	Long:  `deputyd supervises commands assigned to this host by a sheriff, reporting status and forwarding output over a shared bus.`,
	RunE:  run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&name, "name", "n", "", "deputy name (default: hostname)")
	rootCmd.PersistentFlags().StringVarP(&logPath, "log", "l", "", "redirect log output to PATH, watching it for rotation")
	rootCmd.PersistentFlags().StringVarP(&lcmurl, "lcmurl", "u", "", "bus transport URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "mirror child output printfs to the log")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http-addr", "127.0.0.1:9110", "address for the debug HTTP surface (/metrics, /status)")
	rootCmd.PersistentFlags().BoolVar(&noHTTP, "no-http", false, "disable the debug HTTP surface")

	viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))
	viper.BindPFlag("lcmurl", rootCmd.PersistentFlags().Lookup("lcmurl"))
}

func initConfig() {
	viper.SetEnvPrefix("deputy")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if v := viper.GetString("name"); v != "" {
		name = v
	}
	if v := viper.GetString("log"); v != "" {
		logPath = v
	}
	if v := viper.GetString("lcmurl"); v != "" {
		lcmurl = v
	}

	host, err := deputy.ResolveHostname(name)
	if err != nil {
		return err
	}

	lock, err := deputy.AcquireLock(host)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	var logWatcher *deputy.LogWatcher
	if logPath != "" {
		lw, err := deputy.WatchLogFile(logPath)
		if err != nil {
			return err
		}
		logWatcher = lw
		defer logWatcher.Close()
		logger = log.New(logWatcher, "", log.LstdFlags)
	}

	// The wire transport and codec are intentionally pluggable: deputyd
	// ships with the in-memory bus so a single process can be exercised
	// end to end. A production deployment injects a Bus implementation
	// dialed from lcmurl in its place.
	b := transportFor(lcmurl)
	defer b.Close()

	dep, err := deputy.NewDeputy(deputy.Options{
		Host:    host,
		Name:    host,
		Verbose: verbose,
		Bus:     b,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if !noHTTP {
		srv := deputy.NewDebugServer(dep)
		go func() {
			if err := srv.Serve(ctx, httpAddr); err != nil {
				logger.Printf("deputyd: debug HTTP server stopped: %v", err)
			}
		}()
	}

	logger.Printf("deputyd: starting as host %q", host)
	return dep.Run(ctx)
}

func transportFor(url string) bus.Bus {
	return inmem.New()
}
