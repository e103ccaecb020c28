package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontgate_requests_total",
			Help: "Number of inbound requests by route class",
		},
		[]string{"class"},
	)
	proxyResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontgate_proxy_responses_total",
			Help: "Number of pass-through responses relayed from the upstream by method and status code",
		},
		[]string{"method", "code"},
	)
	guardRedirectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontgate_guard_redirects_total",
			Help: "Number of requests redirected by an authentication guard",
		},
		[]string{"guard"},
	)
)
