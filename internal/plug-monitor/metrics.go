/*
plug-controller - Power monitoring smart plug controller
Copyright (C) 2025, The plug-controller Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/DasAuto39/plug-controller/pzem"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	readingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plug_meter_readings_total",
		Help: "Meter acquisitions by result.",
	}, []string{"result"})
	measurement = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plug_measurement",
		Help: "Latest valid meter reading by quantity.",
	}, []string{"quantity"})
	relayTripped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plug_relay_tripped",
		Help: "1 while the overload cutoff holds the relay off.",
	})
	reportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plug_reports_total",
		Help: "Reports by outcome (queued, dropped, published, discarded, failed).",
	}, []string{"outcome"})
	wakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plug_wakes_total",
		Help: "Boot decisions by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(readingsTotal, measurement, relayTripped, reportsTotal, wakesTotal)
}

func observeReading(r pzem.Reading) {
	measurement.WithLabelValues("voltage").Set(r.Voltage)
	measurement.WithLabelValues("current").Set(r.Current)
	measurement.WithLabelValues("power").Set(r.Power)
	measurement.WithLabelValues("energy").Set(r.Energy)
	measurement.WithLabelValues("frequency").Set(r.Frequency)
	measurement.WithLabelValues("pf").Set(r.PowerFactor)
}

func observeTripped(tripped bool) {
	if tripped {
		relayTripped.Set(1)
	} else {
		relayTripped.Set(0)
	}
}

func newRouter(status func() Status) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			log.Debug("Failed to write status: ", err)
		}
	}).Methods("GET")
	return r
}

// serveHTTP serves /metrics and /status until ctx is done.
func serveHTTP(ctx context.Context, addr string, status func() Status) {
	accessLog := log.WriterLevel(logrus.DebugLevel)
	defer accessLog.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(accessLog, newRouter(status)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Info("Serving metrics on ", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Metrics server stopped: ", err)
	}
}
