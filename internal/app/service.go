package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nicksunderland/code-consensus-app/internal/export"
	"github.com/nicksunderland/code-consensus-app/internal/notify"
	"github.com/nicksunderland/code-consensus-app/internal/store"
	"github.com/nicksunderland/code-consensus-app/internal/workspace"
)

// Store is the full persistence surface the service needs.
type Store interface {
	CatalogueStore
	workspace.SelectionStore
	GetPhenotype(ctx context.Context, phenotypeID string) (store.Phenotype, error)
	ListCodeSystems(ctx context.Context) ([]store.CodeSystem, error)
	Ping(ctx context.Context) error
}

// Options tunes workspace behaviour at construction.
type Options struct {
	AutoSelect  bool
	SearchLimit int
}

// Service wires the workspace to its collaborators and layers export
// caching on top. One service, and therefore one shared workspace, serves
// every request.
type Service struct {
	store Store
	ws    *workspace.Workspace
	cache *export.Cache
}

func NewService(st Store, searcher workspace.Searcher, notifier notify.Notifier, cache *export.Cache, opts Options) *Service {
	ws := workspace.New(workspace.Deps{
		Catalogue:   newCatalogue(st),
		Searcher:    searcher,
		Store:       st,
		Notifier:    notifier,
		AutoSelect:  opts.AutoSelect,
		SearchLimit: opts.SearchLimit,
	})
	return &Service{store: st, ws: ws, cache: cache}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Workspace exposes the shared workspace for read operations.
func (s *Service) Workspace() *workspace.Workspace {
	return s.ws
}

// ActivatePhenotype switches the workspace to the phenotype and user,
// loading persisted selections and consensus.
func (s *Service) ActivatePhenotype(ctx context.Context, userID, phenotypeID string) (store.Phenotype, error) {
	phenotype, err := s.store.GetPhenotype(ctx, phenotypeID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Phenotype{}, errPhenotypeNotFound(phenotypeID)
	}
	if err != nil {
		return store.Phenotype{}, err
	}
	s.ws.SetUser(userID)
	if err := s.ws.SwitchPhenotype(ctx, phenotypeID); err != nil {
		return store.Phenotype{}, err
	}
	return phenotype, nil
}

func (s *Service) GetPhenotype(ctx context.Context, phenotypeID string) (store.Phenotype, error) {
	phenotype, err := s.store.GetPhenotype(ctx, phenotypeID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Phenotype{}, errPhenotypeNotFound(phenotypeID)
	}
	return phenotype, err
}

func (s *Service) ListCodeSystems(ctx context.Context) ([]store.CodeSystem, error) {
	return s.store.ListCodeSystems(ctx)
}

// SaveSelections persists the workspace's selection state and drops any
// cached exports for the phenotype.
func (s *Service) SaveSelections(ctx context.Context) error {
	if err := s.ws.SaveSelections(ctx); err != nil {
		return err
	}
	s.invalidateExports(ctx)
	return nil
}

// SaveConsensus persists the draft consensus, optionally finalizing it.
func (s *Service) SaveConsensus(ctx context.Context, finalize bool) error {
	if err := s.ws.SaveConsensus(ctx, finalize); err != nil {
		return err
	}
	s.invalidateExports(ctx)
	return nil
}

// UnlockConsensus reopens a finalized phenotype for consensus editing.
// Nothing is persisted, so cached exports stay valid.
func (s *Service) UnlockConsensus() {
	s.ws.UnlockConsensus()
}

// ImportCodes resolves and imports a parsed code list.
func (s *Service) ImportCodes(ctx context.Context, candidates []workspace.ImportCandidate) error {
	return s.ws.ImportCodes(ctx, candidates)
}

// ClearImported removes the active user's imported codes.
func (s *Service) ClearImported(ctx context.Context) error {
	if err := s.ws.ClearImported(ctx); err != nil {
		return err
	}
	s.invalidateExports(ctx)
	return nil
}

// Export renders the phenotype's consensus code list, serving from the
// cache when possible.
func (s *Service) Export(ctx context.Context, phenotypeID string, format export.Format, withHeader bool) ([]byte, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, phenotypeID, format, withHeader)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, export.ErrCacheMiss) {
			log.Printf("export: cache read failed: %v", err)
		}
	}

	phenotype, err := s.GetPhenotype(ctx, phenotypeID)
	if err != nil {
		return nil, err
	}
	selections, err := s.store.FetchSelections(ctx, phenotypeID)
	if err != nil {
		return nil, err
	}
	consensus, err := s.store.FetchConsensus(ctx, phenotypeID)
	if err != nil {
		return nil, err
	}

	bundle := export.BuildBundle(phenotype, selections, consensus, time.Now())
	data, err := export.Render(bundle, format, withHeader)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, phenotypeID, format, withHeader, data); err != nil {
			log.Printf("export: cache write failed: %v", err)
		}
	}
	return data, nil
}

func (s *Service) invalidateExports(ctx context.Context) {
	if s.cache == nil {
		return
	}
	phenotypeID := s.ws.PhenotypeID()
	if phenotypeID == "" {
		return
	}
	if err := s.cache.Invalidate(ctx, phenotypeID); err != nil {
		log.Printf("export: cache invalidation failed: %v", err)
	}
}
