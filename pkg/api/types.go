// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import (
	"github.com/psaab/gpunetio/pkg/gpunet"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime       string `json:"uptime"`
	Backend      string `json:"backend"`
	Running      bool   `json:"running"`
	ConfigLoaded bool   `json:"config_loaded"`
	Interfaces   int    `json:"interfaces"`
	RxQueues     int    `json:"rx_queues"`
	TxQueues     int    `json:"tx_queues"`
	Error        string `json:"error,omitempty"`
}

// StatisticsResponse holds the manager counters and per-queue detail.
type StatisticsResponse struct {
	Global gpunet.StatsSnapshot `json:"global"`
	Queues []gpunet.QueueInfo   `json:"queues"`
}
