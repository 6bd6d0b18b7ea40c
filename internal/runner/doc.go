// Package runner launches the prover and supervises it until a terminal
// outcome.
//
// The prover is started as the leader of a new process group. Run polls for
// its exit every PollInterval rather than blocking in a single wait, so the
// elapsed time is observable and a cancelled context is noticed between
// polls. Exceeding HardTimeout, a cancelled context, or any other failure
// escalates through Terminate: SIGTERM to the group, GracePeriod, SIGKILL to
// the group, then every known descendant individually. Terminate also runs
// unconditionally once Run returns, so no prover process outlives Run.
//
// A zero exit status alone is not trusted: the artifact at
// <WorkDir>/<ProofDir>/<Artifact> must exist and be non-empty.
package runner
