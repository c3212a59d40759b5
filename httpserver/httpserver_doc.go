/*
Package httpserver runs the escrow backend over HTTP.

It hosts the escrow API from api/escrowhandler together with health and
drain endpoints, optional pprof, and a separate Prometheus metrics listener.

API Endpoints:

  - GET  /api/securityKey - Fetch the account's escrowed recovery key
  - POST /api/securityKey - Escrow a sealed recovery key
  - POST /api/roomKeys/save - Upload session keys and receive peer keys
  - GET  /api/roomKeys/list - List all session keys of the account
  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

Example usage:

	blobs, err := storage.NewStorageBackendFactory(logger).FromURIs([]string{"file:///var/lib/escrow"})
	if err != nil {
		return err
	}

	server, err := httpserver.New(&api.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":9090",
		Log:                      logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, blobs)
	if err != nil {
		return err
	}

	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
