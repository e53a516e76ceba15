package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nicksunderland/code-consensus-app/internal/search"
	"github.com/nicksunderland/code-consensus-app/internal/store"
	"github.com/nicksunderland/code-consensus-app/internal/tree"
	"github.com/nicksunderland/code-consensus-app/internal/workspace"
)

// CatalogueStore is the subset of the persistence layer the catalogue
// adapter reads from.
type CatalogueStore interface {
	ListChildren(ctx context.Context, parentID *int64) ([]store.Code, error)
	FetchCodesByIDs(ctx context.Context, ids []int64) ([]store.Code, error)
	FindCodeByText(ctx context.Context, systemName, codeText string) (store.Code, error)
}

// catalogue adapts the code tables to the workspace's Catalogue contract.
type catalogue struct {
	store CatalogueStore
}

func newCatalogue(s CatalogueStore) *catalogue {
	return &catalogue{store: s}
}

func (c *catalogue) LoadChildren(ctx context.Context, parentKey string) ([]*tree.Node, error) {
	var parentID *int64
	if parentKey != "" {
		id, err := strconv.ParseInt(parentKey, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse parent key %q: %w", parentKey, err)
		}
		parentID = &id
	}

	codes, err := c.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	nodes := make([]*tree.Node, 0, len(codes))
	for _, code := range codes {
		nodes = append(nodes, codeNode(code))
	}
	return nodes, nil
}

func (c *catalogue) FetchByIDs(ctx context.Context, ids []int64) ([]search.CodeRecord, error) {
	codes, err := c.store.FetchCodesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	records := make([]search.CodeRecord, 0, len(codes))
	for _, code := range codes {
		records = append(records, codeRecord(code))
	}
	return records, nil
}

func (c *catalogue) ResolveCode(ctx context.Context, system, code string) (search.CodeRecord, error) {
	found, err := c.store.FindCodeByText(ctx, system, code)
	if errors.Is(err, store.ErrNotFound) {
		return search.CodeRecord{}, &workspace.NotFoundError{System: system, Code: code}
	}
	if err != nil {
		return search.CodeRecord{}, err
	}
	return codeRecord(found), nil
}

func codeRecord(c store.Code) search.CodeRecord {
	return search.CodeRecord{
		ID:          c.ID,
		SystemID:    c.SystemID,
		System:      c.SystemName,
		Code:        c.Code,
		Description: c.Description,
		Path:        c.Path,
		Leaf:        c.Leaf,
		Selectable:  c.Selectable,
	}
}

func codeNode(c store.Code) *tree.Node {
	label := c.Code
	if c.Description != "" {
		label = c.Code + " " + c.Description
	}
	systemID := c.SystemID
	return &tree.Node{
		Key:        strconv.FormatInt(c.ID, 10),
		Label:      label,
		Leaf:       c.Leaf,
		Selectable: c.Selectable,
		Path:       c.Path,
		Data: tree.Data{
			Code:        c.Code,
			Description: c.Description,
			System:      c.SystemName,
			SystemID:    &systemID,
		},
	}
}
