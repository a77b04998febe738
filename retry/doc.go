// Package retry computes retry schedules shared by the outbox relay and the saga orchestrator.
//
// The scheduler is stateless: it maps an attempt number and a Policy to either a
// retry timestamp or an exhausted decision. Delays grow as base*2^attempt, are capped at
// the policy maximum and receive up to JitterFraction of extra random delay so that many
// rows recovering at once do not retry in lockstep.
package retry
