package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/kegwatch/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ReadinessCheck reports whether the server can accept traffic
type ReadinessCheck func() error

// defineRestHandler build the base REST handler from the HTTP config
func defineRestHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// Webhook token headers, checked in order
var webhookTokenHeaders = []string{"X-Webhook-Token", "Webhook-Token"}

// readWebhookToken fetch the webhook token presented by the caller
func readWebhookToken(r *http.Request) string {
	for _, header := range webhookTokenHeaders {
		if token := r.Header.Get(header); token != "" {
			return token
		}
	}
	return ""
}
