// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

// Package model defines the format-agnostic pipeline definition consumed by the
// engine, the lifecycle states of runs and jobs, and the error taxonomy.
//
// A Pipeline is produced by one of the loaders and is treated as immutable by
// every other package. Expressions (job conditions, concurrency group keys,
// step commands and action inputs) are kept as unevaluated hcl.Expression
// values; they are bound to a trigger context only when a Run is submitted.
package model
