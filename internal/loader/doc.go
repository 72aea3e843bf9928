// Package loader turns pipeline documents into model.Pipeline values. Two
// formats are understood: native HCL (.hcl) and the GitHub Actions workflow
// shape in YAML (.yml, .yaml). Both produce the same model; expressions stay
// unevaluated.
package loader
