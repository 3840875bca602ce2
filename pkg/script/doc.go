// Package script runs provisioning rule units written in Starlark.
//
// A script is a Starlark file defining a function named provision, which is
// called with no arguments on every pass. The file sees the contacting device
// and the session through predeclared values and talks to the engine only
// through builtins:
//
//	declare(path, value=None, type="", freshness="any")
//	read(path, freshness="any")
//	tag(name, default=None)
//	set_tag(name, value)
//	log(msg, level="info", **fields)
//
// declare and read return a struct with the fields value, values, pending,
// satisfied and corrected. Until the device has answered, value is None and
// pending is True; scripts are written so that re-running them after the
// answer arrives is harmless.
//
// Example:
//
//	INTERVAL = params.get("interval", 300)
//
//	def provision():
//	    declare(root + ".ManagementServer.PeriodicInformInterval", INTERVAL, type="unsignedInt")
//	    if not tag("registered"):
//	        set_tag("registered", True)
//
// Execution is bounded by a step limit and by the session context.
package script
