// Package device turns browser fingerprints into feature vectors and scores
// them with an isolation forest.
//
// The flow is Extract, then Normalizer.Transform, then Model.Score. A vector
// is trusted when the model does not flag it and its margin exceeds the
// configured threshold. Exact matches against a user's trusted devices are
// handled by the caller before the model is consulted.
//
// Models are trained offline (see cmd/finauth-admin) and persisted as a JSON
// Bundle carrying both the forest and the normalization statistics used at
// training time. Training is deterministic for a given seed.
package device
