package core

import (
	"context"
	"fmt"
	"sort"
)

type AddAliasRequest struct {
	Name   string      `json:"name"`
	Target BlobLocator `json:"target"`
	Rank   int         `json:"rank,omitempty"`
	Data   []byte      `json:"data,omitempty"`
}

type RemoveAliasRequest struct {
	Name   string      `json:"name"`
	Target BlobLocator `json:"target"`
}

type AddRefRequest struct {
	RefName RefName     `json:"refName"`
	Hash    IoHash      `json:"hash"`
	Target  BlobLocator `json:"target"`
}

type RemoveRefRequest struct {
	RefName RefName `json:"refName"`
}

// UpdateMetadataRequest is a batch of metadata mutations.
//
// The batch is not atomic. Operations run in list order (add-alias,
// remove-alias, add-ref, remove-ref) and the first failure stops the batch,
// leaving every earlier operation committed.
type UpdateMetadataRequest struct {
	AddAliases    []AddAliasRequest    `json:"addAliases,omitempty"`
	RemoveAliases []RemoveAliasRequest `json:"removeAliases,omitempty"`
	AddRefs       []AddRefRequest      `json:"addRefs,omitempty"`
	RemoveRefs    []RemoveRefRequest   `json:"removeRefs,omitempty"`
}

// IsEmpty reports whether the batch has no operations.
func (r UpdateMetadataRequest) IsEmpty() bool {
	return len(r.AddAliases) == 0 && len(r.RemoveAliases) == 0 && len(r.AddRefs) == 0 && len(r.RemoveRefs) == 0
}

// ApplyMetadata replays a batch through the single-item operations of b.
// Backends without a native batch call it from UpdateMetadata.
func ApplyMetadata(ctx context.Context, b Backend, req UpdateMetadataRequest) error {
	for i, add := range req.AddAliases {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.AddAlias(ctx, add.Name, add.Target, add.Rank, add.Data); err != nil {
			return fmt.Errorf("add alias %d (%s): %w", i, add.Name, err)
		}
	}
	for i, remove := range req.RemoveAliases {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.RemoveAlias(ctx, remove.Name, remove.Target); err != nil {
			return fmt.Errorf("remove alias %d (%s): %w", i, remove.Name, err)
		}
	}
	for i, add := range req.AddRefs {
		if err := ctx.Err(); err != nil {
			return err
		}
		value := HashedBlobRefValue{Hash: add.Hash, Locator: add.Target}
		if err := b.WriteRef(ctx, add.RefName, value); err != nil {
			return fmt.Errorf("add ref %d (%s): %w", i, add.RefName, err)
		}
	}
	for i, remove := range req.RemoveRefs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.DeleteRef(ctx, remove.RefName); err != nil {
			return fmt.Errorf("remove ref %d (%s): %w", i, remove.RefName, err)
		}
	}
	return nil
}

// SortAliases orders alias results by descending rank, keeping the existing
// order between equal ranks, and truncates to maxResults when positive.
func SortAliases(aliases []BlobAliasLocator, maxResults int) []BlobAliasLocator {
	sort.SliceStable(aliases, func(i, j int) bool { return aliases[i].Rank > aliases[j].Rank })
	if maxResults > 0 && len(aliases) > maxResults {
		aliases = aliases[:maxResults]
	}
	return aliases
}
