// Package handlers contains the HTTP building blocks shared by the API server:
// the JSON response envelope, middleware and health checks.
//
// # Health Checks
//
// Checks run in parallel with a per-check timeout. A required check failing
// makes the service unhealthy; an optional one only makes it not ready:
//
//	checker := handlers.NewCompositeHealthChecker("1.0.0")
//	checker.AddCheck("store", handlers.PingCheck(store))
//	checker.AddOptionalCheck("xp_index", handlers.PingCheck(index))
//
// # Middleware
//
// Middleware are plain func(http.Handler) http.Handler values and can be
// passed straight to (*mux.Router).Use:
//
//	router.Use(
//	    handlers.RequestID(log),
//	    handlers.Logging(log, clock),
//	    handlers.Recovery(log),
//	    handlers.Timeout(5*time.Second),
//	)
package handlers
