package wire

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-pgwire/pgwire/codes"
	pgerror "github.com/go-pgwire/pgwire/errors"
)

// StatementCache stores named prepared statements for a single connection.
// The unnamed statement ("") is just another entry; a new Parse targeting it
// silently replaces whatever it previously held.
type StatementCache interface {
	Set(ctx context.Context, name string, statement *PreparedStatement) error
	Get(ctx context.Context, name string) (*PreparedStatement, error)
	Close(ctx context.Context, name string) error
}

// PortalCache stores bound portals for a single connection. Closing the
// statement a portal was bound from cascades: every portal bound from it is
// closed too.
type PortalCache interface {
	Bind(ctx context.Context, name string, statement *PreparedStatement, parameters []Parameter, formats []FormatCode) error
	Get(ctx context.Context, name string) (*Portal, error)
	Execute(ctx context.Context, name string, writer DataWriter) error
	Close(ctx context.Context, name string) error
	// CloseStatement closes every portal bound from statement, as required
	// when the owning statement itself is closed or replaced.
	CloseStatement(ctx context.Context, statement *PreparedStatement)
}

// Portal is a bound, executable instance of a PreparedStatement.
type Portal struct {
	statement  *PreparedStatement
	parameters []Parameter
	formats    []FormatCode
}

// errCacheOverflow reports that a connection's statement or portal cache has
// reached its configured maximum.
func errCacheOverflow(kind string, max int) error {
	err := fmt.Errorf("%s cache exceeds the configured maximum of %d entries", kind, max)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.OutOfMemory), pgerror.LevelError)
}

// errUnknownStatement / errUnknownPortal are returned by Get when name
// hasn't been registered (or was already closed).
func errUnknownStatement(name string) error {
	err := fmt.Errorf("unknown prepared statement %q", name)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.InvalidPreparedStatementDefinition), pgerror.LevelError)
}

func errUnknownPortal(name string) error {
	err := fmt.Errorf("unknown portal %q", name)
	return pgerror.WithSeverity(pgerror.WithCode(err, codes.InvalidCursorName), pgerror.LevelError)
}

// DefaultStatementCache is a StatementCache bounded to max entries (0 means
// unbounded), safe for concurrent use.
type DefaultStatementCache struct {
	mu         sync.RWMutex
	statements map[string]*PreparedStatement
	max        int
	onClose    func(statement *PreparedStatement)
}

// NewStatementCache constructs a bounded StatementCache. onClose, if
// non-nil, is invoked with the replaced/removed statement whenever an entry
// is closed or overwritten, so the owning connection can cascade-close its
// portals (typically wired to PortalCache.CloseStatement).
func NewStatementCache(max int, onClose func(statement *PreparedStatement)) *DefaultStatementCache {
	return &DefaultStatementCache{
		statements: make(map[string]*PreparedStatement),
		max:        max,
		onClose:    onClose,
	}
}

func (cache *DefaultStatementCache) Set(ctx context.Context, name string, statement *PreparedStatement) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	previous, replacing := cache.statements[name]
	if !replacing && cache.max > 0 && len(cache.statements) >= cache.max {
		return errCacheOverflow("statement", cache.max)
	}

	if replacing && cache.onClose != nil {
		cache.onClose(previous)
	}

	cache.statements[name] = statement
	return nil
}

func (cache *DefaultStatementCache) Get(ctx context.Context, name string) (*PreparedStatement, error) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	statement, ok := cache.statements[name]
	if !ok {
		return nil, errUnknownStatement(name)
	}

	return statement, nil
}

func (cache *DefaultStatementCache) Close(ctx context.Context, name string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	previous, ok := cache.statements[name]
	if !ok {
		return nil
	}

	delete(cache.statements, name)
	if cache.onClose != nil {
		cache.onClose(previous)
	}

	return nil
}

// DefaultPortalCache is a PortalCache bounded to max entries (0 means
// unbounded), safe for concurrent use.
type DefaultPortalCache struct {
	mu      sync.RWMutex
	portals map[string]*Portal
	byStmt  map[*PreparedStatement]map[string]struct{}
	max     int
}

// NewPortalCache constructs a bounded PortalCache.
func NewPortalCache(max int) *DefaultPortalCache {
	return &DefaultPortalCache{
		portals: make(map[string]*Portal),
		byStmt:  make(map[*PreparedStatement]map[string]struct{}),
		max:     max,
	}
}

func (cache *DefaultPortalCache) Bind(ctx context.Context, name string, statement *PreparedStatement, parameters []Parameter, formats []FormatCode) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	_, replacing := cache.portals[name]
	if !replacing && cache.max > 0 && len(cache.portals) >= cache.max {
		return errCacheOverflow("portal", cache.max)
	}

	if replacing {
		cache.unlinkLocked(name)
	}

	cache.portals[name] = &Portal{statement: statement, parameters: parameters, formats: formats}

	if cache.byStmt[statement] == nil {
		cache.byStmt[statement] = make(map[string]struct{})
	}
	cache.byStmt[statement][name] = struct{}{}

	return nil
}

func (cache *DefaultPortalCache) Get(ctx context.Context, name string) (*Portal, error) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	portal, ok := cache.portals[name]
	if !ok {
		return nil, errUnknownPortal(name)
	}

	return portal, nil
}

func (cache *DefaultPortalCache) Execute(ctx context.Context, name string, writer DataWriter) error {
	portal, err := cache.Get(ctx, name)
	if err != nil {
		return err
	}

	return portal.statement.fn(ctx, writer, portal.parameters)
}

func (cache *DefaultPortalCache) Close(ctx context.Context, name string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.unlinkLocked(name)
	delete(cache.portals, name)
	return nil
}

// unlinkLocked removes name from its statement's reverse index. Callers must
// hold cache.mu.
func (cache *DefaultPortalCache) unlinkLocked(name string) {
	portal, ok := cache.portals[name]
	if !ok {
		return
	}

	if set, ok := cache.byStmt[portal.statement]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(cache.byStmt, portal.statement)
		}
	}
}

func (cache *DefaultPortalCache) CloseStatement(ctx context.Context, statement *PreparedStatement) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	set, ok := cache.byStmt[statement]
	if !ok {
		return
	}

	for portalName := range set {
		delete(cache.portals, portalName)
	}

	delete(cache.byStmt, statement)
}
