// Copyright (c) 2021 Nutanix, Inc.
package metrics

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// JobName is the pushgateway job the transfer metrics are grouped under
const JobName = "ncmqtt_transfer_metrics_job"

// Registry collects the transport and session metrics of the process
var Registry = prometheus.NewRegistry()

// Push sends the content of Registry to the pushgateway at endpoint.
// role is added as a grouping label so sender and receiver runs do not overwrite each other.
func Push(endpoint string, role string) error {
	if endpoint == "" {
		return nil
	}
	err := push.New(endpoint, JobName).
		Grouping("role", role).
		Gatherer(Registry).
		Push()
	if err != nil {
		glog.Errorf("Failed to push metrics to %s: %s", endpoint, err.Error())
		return fmt.Errorf("push metrics: %w", err)
	}
	glog.V(1).Infof("pushed metrics to %s", endpoint)
	return nil
}
