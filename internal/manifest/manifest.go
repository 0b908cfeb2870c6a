// Package manifest loads declarative HCL build manifests into the job list
// consumed by the execution driver.
//
// A manifest declares tools and jobs:
//
//	tool "frontend" {
//	  good_diagnostics = true
//	}
//
//	job "compile_main" {
//	  tool       = "frontend"
//	  executable = "/usr/bin/cc"
//	  args       = ["-c", "main.c", "-o", "main.o"]
//	  inputs     = ["generate_header"]
//	  condition  = "check-dependencies"
//	  outputs = {
//	    object = "main.o"
//	    deps   = "main.deps.yaml"
//	  }
//	  temporaries = ["main.o.tmp"]
//	}
//
// Job declaration order is preserved; inputs refer to other jobs by name
// and must not form a cycle.
package manifest

import "github.com/vk/buildsched/internal/job"

// Manifest is the loaded build description for one driver invocation.
type Manifest struct {
	// Jobs is the job list in declaration order.
	Jobs []*job.Job
	// TempFiles are the paths registered for best-effort deletion after
	// the run, in declaration order.
	TempFiles []string
}
