// Package history persists run reports with gorm. It plugs into the
// scheduler as an Observer, so every job transition is written as it happens
// and the final report replaces it when the run finishes.
package history
