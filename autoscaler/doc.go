// Package autoscaler implements the closed-loop demand scaler: a periodic
// control loop that compares the recent demand rate and pool utilization
// against configured thresholds and issues worker create/delete calls. Every
// decision lands in a bounded action log for observability.
package autoscaler
