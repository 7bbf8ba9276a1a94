// Package mqtt publishes control plane notifications to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health checks
//
// # Topics
//
//	parkgate/system/status             online/offline, retained, LWT
//	parkgate/event/<bus topic levels>  every notification-bus message
//	parkgate/state/detector/<id>       retained loop detector occupancy
//	parkgate/state/camera/<id>         retained camera online state
//	parkgate/state/redundancy/<class>  retained main/backup selection
//
// Bus topics are dot separated; each dot becomes an MQTT level, so
// "redundancy.failover" is published on parkgate/event/redundancy/failover.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.Publish(mqtt.Topics{}.Event("redundancy.failover"), payload, client.QoS(), false)
package mqtt
