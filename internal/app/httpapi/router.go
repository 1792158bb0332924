package httpapi

import "net/http"

// route describes a single endpoint, the same declarative shape the
// teacher's router.go uses. The method lives in pattern itself (e.g.
// "GET /models/{id}"), Go 1.22+'s enhanced ServeMux handles method dispatch
// and wildcard extraction natively, so unlike the teacher's router there is
// no separate method guard to apply.
type route struct {
	pattern string
	handler http.HandlerFunc
}

// mountRoutes attaches the provided routes to the mux.
func mountRoutes(mux *http.ServeMux, routes ...route) {
	for _, rt := range routes {
		if rt.pattern == "" || rt.handler == nil {
			continue
		}
		mux.HandleFunc(rt.pattern, rt.handler)
	}
}
