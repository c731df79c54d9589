// Package gateway is the connection registry and routing engine of the relay.
//
// Devices connect, authenticate against an identity backend and are then
// addressable by device name. Observers connect without authentication and
// receive every lifecycle and status event. Controllers submit commands
// that are routed to one device, a list of devices, or all of them.
//
// # Components
//
//   - Registry: role-partitioned session maps with collision eviction
//   - AuthGate: the pending-device handshake and its grace deadline
//   - Router: command delivery, observer fan-out and eviction
//   - HeartbeatMonitor: periodic sweep of silent and unauthenticated devices
//   - Gateway: one entry point per transport event
//
// # Guarantees
//
// At most one session holds a device name. A newer connection evicts the
// older one, and the older connection's own close never removes its
// successor. A failed write evicts its target immediately and is never
// retried. Every authenticated device that leaves the registry produces
// exactly one DISCONNECTED notification.
//
// # Usage
//
//	gw, err := gateway.New(verifier, notifier, gateway.Options{RequireAuth: true})
//	go gw.Run(ctx)
//
//	sess := gw.NewSession(gateway.RolePendingDevice, transport, deviceID, remoteAddr)
//	if err := gw.OpenDevice(ctx, sess, nil); err != nil {
//	    return
//	}
//	for frame := range frames {
//	    if err := gw.HandleDeviceFrame(ctx, sess, frame); err != nil {
//	        break
//	    }
//	}
//	gw.DeviceClosed(ctx, sess)
package gateway
