// Package influxdb writes control plane telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//	command       device_id, verb, outcome  latency_ms
//	redundancy    class                     using_backup, active
//	detector      device_id                 occupied
//	camera        device_id                 online
//	device_event  device_id, class, event   count
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteCommandLatency("gate-main", "OPEN", "ok", 42*time.Millisecond)
//
// # Error Handling
//
// Writes are non-blocking and batch errors are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
