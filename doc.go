// Package dispatch lets many application processes share one long-lived
// library process using ZeroMQ and msgpack.
//
// # Architecture
//
// The library process hosts named service objects and serves them over a
// ROUTER socket:
//   - Host owns the parsed library, its Signature, and event forwarding
//   - Server binds the ROUTER socket and feeds requests into the Host
//   - Supervisor forks the library process and restarts it under a RestartPolicy
//   - Client is the application side (DEALER socket)
//   - ServiceRegistry maps service names to endpoints via a JSON file
//
// # Quick Start
//
// Library process:
//
//	type Users struct {
//	    *dispatch.Emitter
//	    Name string
//	}
//
//	func (u *Users) GetUserName(name string) map[string]any {
//	    return map[string]any{"name": u.Name}
//	}
//
//	func main() {
//	    dispatch.Run(dispatch.Library{
//	        "users": &Users{Emitter: dispatch.NewEmitter(), Name: "yejiayu"},
//	    })
//	}
//
// Supervising process:
//
//	sup, err := dispatch.NewSupervisor(dispatch.SupervisorConfig{
//	    LibraryPath: "./bin/users-library",
//	    Endpoint:    "tcp://127.0.0.1:7788",
//	    Policy:      dispatch.PolicyForMode(os.Getenv("DISPATCH_MODE")),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sup.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sup.Stop()
//
// Application process:
//
//	client, err := dispatch.Dial(ctx, "tcp://127.0.0.1:7788")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sig, err := client.Signature(ctx)
//	result, err := client.Invoke(ctx, "users", "GetUserName", "x")
package dispatch

// Version is the current library version
const Version = "1.0.0"
