package mainboilerplate

import (
	_ "expvar" // Registers /debug/vars.
	"fmt"
	"net/http"
	_ "net/http/pprof" // Registers /debug/pprof/.
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"
	"google.golang.org/grpc"
)

// DiagnosticsConfig configures debugging endpoints of the process.
type DiagnosticsConfig struct {
	Traces bool `long:"traces" env:"TRACES" description:"Allow remote clients to view request traces at /debug/requests"`
}

var buildInfoGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "pagestream_build_info",
	Help: "Constant 1, labeled by the version and build of the running binary.",
}, []string{"version", "build_date", "go_version"})

// InitDiagnosticsAndRecover registers diagnostic handlers with
// http.DefaultServeMux:
//
//   - /debug/metrics serves Prometheus metrics.
//   - /debug/ready answers 200 once the process is up.
//   - /debug/pprof/ and /debug/vars come from their imported packages.
//   - /debug/requests and /debug/events serve gRPC traces.
//
// The returned function is to be deferred by main. It re-panics any panic
// after recording it as the Kubernetes termination message.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	grpc.EnableTracing = true
	if cfg.Traces {
		trace.AuthRequest = func(*http.Request) (bool, bool) { return true, true }
	}
	buildInfoGauge.WithLabelValues(Version, BuildDate, runtime.Version()).Set(1)

	http.Handle("/debug/metrics", promhttp.Handler())
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "ok %s\n", Version)
	})

	return func() {
		var r = recover()
		if r == nil {
			return
		}
		// See https://github.com/kubernetes/kubernetes/issues/31839
		if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0); err == nil {
			fmt.Fprintf(f, "%+v", r)
			_ = f.Close()
		}
		panic(r)
	}
}

// Must panics with |msg| if |err| is non-nil. |extra| holds alternating
// field names and values which annotate the logged panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var fields = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		fields[fmt.Sprint(extra[i])] = extra[i+1]
	}
	log.WithFields(fields).Panic(msg)
}

// Path at which Kubernetes collects a container's termination message.
const k8sTerminationLog = "/dev/termination-log"
