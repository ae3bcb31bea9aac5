package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kwang1012/sregym/pkg/metrics"
	"github.com/kwang1012/sregym/pkg/proxy"
	"github.com/kwang1012/sregym/pkg/submission"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Submission API, API Filtering Proxy, and metrics endpoint until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	h, err := buildHarness(ctx, defaultAppCatalogue(), defaultInjectorCatalogue())
	if err != nil {
		return err
	}
	defer h.Close()

	submissionSrv := submission.New(h.conductor, submission.Options{ListenAddr: h.cfg.Submission.ListenAddr})
	if err := submissionSrv.Start(); err != nil {
		return err
	}

	filterProxy, err := proxy.New(h.gateway.RESTConfig(), proxy.Options{
		ListenAddr:       h.cfg.Proxy.ListenAddr,
		HiddenNamespaces: h.cfg.Proxy.HiddenNamespaces,
		AllowedOrigins:   h.cfg.Proxy.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	if err := filterProxy.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if h.cfg.Metrics.Enabled {
		prometheus.MustRegister(metrics.All()...)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: h.cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cmd.PrintErrln("metrics server exited:", err)
			}
		}()
	}

	cmd.Println("submission API listening on", submissionSrv.Addr())
	cmd.Println("filtering proxy listening on", filterProxy.Addr())

	interrupted := waitForInterruptOrDone(h.guard, ctx.Done())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = submissionSrv.Shutdown(shutdownCtx)
	_ = filterProxy.Stop(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	h.conductor.Shutdown(shutdownCtx)

	if interrupted {
		return errInterrupted
	}
	return nil
}
