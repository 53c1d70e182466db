// Package sandbox implements the per-user sandbox lifecycle.
//
// The sandbox package owns the pool of user-bound containers and everything
// needed to serve them: image provisioning against the container engine,
// capacity-gated container creation, code execution inside a running
// container, and teardown. The engine is expressed as a capability
// interface so the pool, provisioner and runner can be exercised against a
// test double without a live daemon.
//
// Usage:
//
//	engine, err := sandbox.NewDockerEngine(logger, cfg)
//	pool := sandbox.NewPool(logger, engine,
//	    sandbox.NewImageProvisioner(logger, engine, sbCfg),
//	    sandbox.NewExecRunner(logger, engine, sbCfg),
//	    store, sbCfg)
//	containerID, err := pool.Create(ctx, "42")
//	result, err := pool.Execute(ctx, "42", "console.log('hi')")
package sandbox
