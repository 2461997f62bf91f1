// Package engine implements the configuration lifecycle core: the state
// machine that owns every configuration's state, the job coordinator that
// drives asynchronous validate/deploy/undeploy/sync actions against the
// external provisioning engine, and the attention aggregator that derives
// the cumulative needs-attention view for a project.
package engine
