/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"crypto/tls"
	"flag"
	"math/rand"
	"os"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/renkulab/capacity-agent/internal/cluster"
	"github.com/renkulab/capacity-agent/internal/matching"
	"github.com/renkulab/capacity-agent/internal/observer"
	"github.com/renkulab/capacity-agent/internal/scheduler"
	"github.com/renkulab/capacity-agent/internal/store/httpstore"
	"github.com/renkulab/capacity-agent/internal/tasks"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var metricsCertPath, metricsCertName, metricsCertKey string
	var enableLeaderElection bool
	var probeAddr string
	var secureMetrics bool
	var enableHTTP2 bool
	var tlsOpts []func(*tls.Config)
	var dataServiceURL string
	var dataServiceCertPath string
	var targetClusterID string
	var targetKubeconfig string
	var sessionNamespace string
	var sessionAPIVersion string
	var sessionKind string
	var projectAnnotation string
	var activationInterval time.Duration
	var monitorInterval time.Duration
	var orphanCleanupInterval time.Duration

	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for the agent. "+
			"Enabling this will ensure there is only one active replica running the reservation tasks.")
	flag.BoolVar(&secureMetrics, "metrics-secure", true,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flag.StringVar(&metricsCertPath, "metrics-cert-path", "",
		"The directory that contains the metrics server certificate.")
	flag.StringVar(&metricsCertName, "metrics-cert-name", "tls.crt", "The name of the metrics server certificate file.")
	flag.StringVar(&metricsCertKey, "metrics-cert-key", "tls.key", "The name of the metrics server key file.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	flag.StringVar(&dataServiceURL, "data-service-url", "", "Base URL of the reservation data service")
	flag.StringVar(&dataServiceCertPath, "data-service-cert-path", "", "Client certificate directory for the data service (optional)")
	flag.StringVar(&targetClusterID, "cluster-id", "local", "Identifier of the target cluster reservations refer to")
	flag.StringVar(&targetKubeconfig, "target-kubeconfig", "", "Kubeconfig path for the target cluster (empty uses the in-cluster config)")
	flag.StringVar(&sessionNamespace, "session-namespace", "renku-sessions", "Namespace sessions and placeholder deployments live in")
	flag.StringVar(&sessionAPIVersion, "session-api-version", "amalthea.dev/v1alpha1", "API version of the session custom resource")
	flag.StringVar(&sessionKind, "session-kind", "AmaltheaSession", "Kind of the session custom resource")
	flag.StringVar(&projectAnnotation, "project-annotation", observer.DefaultProjectAnnotation, "Annotation carrying the session's project id")
	flag.DurationVar(&activationInterval, "activation-interval", time.Minute, "Interval between activation passes")
	flag.DurationVar(&monitorInterval, "monitor-interval", time.Minute, "Interval between monitoring passes")
	flag.DurationVar(&orphanCleanupInterval, "orphan-cleanup-interval", 10*time.Minute, "Interval between orphan cleanup passes")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if dataServiceURL == "" {
		setupLog.Error(nil, "data-service-url is required")
		os.Exit(1)
	}

	sessionGV, err := schema.ParseGroupVersion(sessionAPIVersion)
	if err != nil {
		setupLog.Error(err, "invalid session-api-version", "value", sessionAPIVersion)
		os.Exit(1)
	}

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}

	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	metricsServerOptions := metricsserver.Options{
		BindAddress:   metricsAddr,
		SecureServing: secureMetrics,
		TLSOpts:       tlsOpts,
	}

	if secureMetrics {
		// FilterProvider is used to protect the metrics endpoint with authn/authz.
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	if len(metricsCertPath) > 0 {
		setupLog.Info("Initializing metrics certificate watcher using provided certificates",
			"metrics-cert-path", metricsCertPath, "metrics-cert-name", metricsCertName, "metrics-cert-key", metricsCertKey)

		metricsServerOptions.CertDir = metricsCertPath
		metricsServerOptions.CertName = metricsCertName
		metricsServerOptions.KeyName = metricsCertKey
	}

	cfg := ctrl.GetConfigOrDie()

	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsServerOptions,
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "capacity-agent.renku.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	dataStore, err := httpstore.New(strings.TrimRight(dataServiceURL, "/"), dataServiceCertPath)
	if err != nil {
		setupLog.Error(err, "failed to create data service client")
		os.Exit(1)
	}

	var target *cluster.Connection
	if targetKubeconfig != "" {
		target, err = cluster.NewConnectionFromKubeconfig(targetKubeconfig, scheme, targetClusterID, sessionNamespace)
	} else {
		target, err = cluster.NewConnection(cfg, scheme, targetClusterID, sessionNamespace)
	}
	if err != nil {
		setupLog.Error(err, "failed to create target cluster connection")
		os.Exit(1)
	}
	clusters := cluster.NewRegistry(target)

	sessionObserver := observer.New()
	sessionObserver.SessionGVK = sessionGV.WithKind(sessionKind)
	sessionObserver.ProjectAnnotation = projectAnnotation

	runner := scheduler.NewRunner()
	runner.Register(&tasks.ActivationTask{
		Store:            dataStore,
		Clusters:         clusters,
		DefaultClusterID: targetClusterID,
	}, activationInterval)
	runner.Register(&tasks.MonitorTask{
		Store:    dataStore,
		Cluster:  target,
		Observer: sessionObserver,
		Matcher:  matching.New(rand.NewSource(time.Now().UnixNano())),
	}, monitorInterval)
	runner.Register(&tasks.OrphanCleanupTask{
		Store:   dataStore,
		Cluster: target,
	}, orphanCleanupInterval)

	if err := mgr.Add(runner); err != nil {
		setupLog.Error(err, "unable to add task runner")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager",
		"clusterID", targetClusterID,
		"sessionNamespace", sessionNamespace)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
