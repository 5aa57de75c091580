// batchd is a self-hosted batch-inference server.
// Copyright (C) 2026 batchd contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package registry is the Model Registry: the set of model names batchd
// will admit jobs for, along with the metadata (context window, VRAM
// estimate) the admission controller and scheduler need to reason about
// a job before it runs.
package registry

import (
	"context"
	"fmt"

	"batchd/internal/batch/apierr"
	"batchd/internal/batch/model"
)

// Store is the subset of the durable store the registry depends on.
type Store interface {
	UpsertModel(ctx context.Context, m model.ModelInfo) error
	GetModel(ctx context.Context, name string) (*model.ModelInfo, error)
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
}

// Registry resolves model names to their registered metadata.
type Registry struct {
	store Store
}

// New constructs a Registry backed by store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Register adds or updates a model entry.
func (r *Registry) Register(ctx context.Context, m model.ModelInfo) error {
	if m.Name == "" {
		return apierr.Invalid(apierr.CodeInvalidRequest, fmt.Errorf("model name required"))
	}
	if err := r.store.UpsertModel(ctx, m); err != nil {
		return apierr.Internal(fmt.Errorf("register model: %w", err))
	}
	return nil
}

// Resolve looks up a registered model by name, returning a typed
// apierr.CodeModelNotFound error if absent. The admission controller
// calls this before accepting a job so unknown models are rejected
// before any JSONL is even read.
func (r *Registry) Resolve(ctx context.Context, name string) (*model.ModelInfo, error) {
	m, err := r.store.GetModel(ctx, name)
	if err != nil {
		return nil, apierr.NotFound(apierr.CodeModelNotFound, fmt.Errorf("model %q is not registered", name))
	}
	return m, nil
}

// List returns every registered model.
func (r *Registry) List(ctx context.Context) ([]model.ModelInfo, error) {
	models, err := r.store.ListModels(ctx)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("list models: %w", err))
	}
	return models, nil
}

// SeedDefaults registers the small built-in set of models batchd ships
// ready to serve, the same way the teacher's main seeds a default admin
// account on first boot rather than requiring an operator to bootstrap
// one by hand.
func SeedDefaults(ctx context.Context, r *Registry) error {
	defaults := []model.ModelInfo{
		{
			Name:             "llama-3-8b",
			CanonicalID:      "meta-llama/Meta-Llama-3-8B-Instruct",
			MaxContextTokens: 8192,
			ChatTemplateHint: "llama-3",
			EstimatedVRAMGB:  16,
		},
		{
			Name:             "mistral-7b",
			CanonicalID:      "mistralai/Mistral-7B-Instruct-v0.3",
			MaxContextTokens: 32768,
			ChatTemplateHint: "mistral",
			EstimatedVRAMGB:  15,
		},
		{
			Name:             "qwen2-7b",
			CanonicalID:      "Qwen/Qwen2-7B-Instruct",
			MaxContextTokens: 32768,
			ChatTemplateHint: "chatml",
			EstimatedVRAMGB:  15,
		},
	}
	for _, m := range defaults {
		if _, err := r.Resolve(ctx, m.Name); err == nil {
			continue
		}
		if err := r.Register(ctx, m); err != nil {
			return fmt.Errorf("seed model %s: %w", m.Name, err)
		}
	}
	return nil
}
