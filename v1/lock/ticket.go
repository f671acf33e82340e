package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	dlerrors "github.com/mirkobrombin/go-dirlock/v1/errors"
)

const (
	// DefaultBaseName is the ticket base name used when the lock target is a
	// directory.
	DefaultBaseName = "locker"
	// MaxTicketID is the exclusive upper bound of ticket ids.
	MaxTicketID = 1_000_000

	ticketFormat = "%s.%06d"
)

// Namespace identifies one logical lock: every ticket for it lives in Dir
// and is named after Base.
type Namespace struct {
	Dir  string
	Base string
}

// String returns the path the namespace was derived from.
func (n Namespace) String() string {
	if n.Base == DefaultBaseName {
		return n.Dir
	}
	return filepath.Join(n.Dir, n.Base)
}

// Key returns a stable identifier of the namespace that is safe to use as a
// pub/sub channel, subject or topic name.
func (n Namespace) Key() string {
	return "dirlock." + uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+n.String())).String()
}

// ResolveNamespace maps a lock target to its namespace. A directory uses
// the default base name; anything else is treated as a file whose name is
// the base and whose parent directory must exist.
// Relative paths are made absolute against the working directory.
func ResolveNamespace(fsys afero.Fs, path string) (Namespace, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Namespace{}, fmt.Errorf("%w: %q: %v", dlerrors.ErrNoDirectory, path, err)
	}
	if isDir, _ := afero.IsDir(fsys, abs); isDir {
		return Namespace{Dir: abs, Base: DefaultBaseName}, nil
	}
	ns := Namespace{Dir: filepath.Dir(abs), Base: filepath.Base(abs)}
	if isDir, _ := afero.IsDir(fsys, ns.Dir); !isDir {
		return Namespace{}, fmt.Errorf("%w: %q", dlerrors.ErrNoDirectory, path)
	}
	return ns, nil
}

// Ticket is one outstanding request for, or holding of, a namespace's lock.
type Ticket struct {
	ID      int
	Path    string
	ModTime time.Time
}

// TicketName returns the file name of ticket id under base.
func TicketName(base string, id int) string {
	return fmt.Sprintf(ticketFormat, base, id)
}

// ParseTicketName reports the id encoded in name if it is a ticket of base.
func ParseTicketName(base, name string) (int, bool) {
	return parseTicket(ticketPattern(base), name)
}

func ticketPattern(base string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `\.([0-9]{6})$`)
}

func parseTicket(re *regexp.Regexp, name string) (int, bool) {
	m := re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// TicketStore lists, creates and deletes the tickets of a namespace.
type TicketStore struct {
	fs      afero.Fs
	ns      Namespace
	pattern *regexp.Regexp
}

// NewTicketStore returns a store for ns on fsys.
func NewTicketStore(fsys afero.Fs, ns Namespace) *TicketStore {
	return &TicketStore{fs: fsys, ns: ns, pattern: ticketPattern(ns.Base)}
}

// Namespace returns the namespace managed by the store.
func (s *TicketStore) Namespace() Namespace {
	return s.ns
}

// Path returns the full path of ticket id.
func (s *TicketStore) Path(id int) string {
	return filepath.Join(s.ns.Dir, TicketName(s.ns.Base, id))
}

// List returns the tickets currently present, ordered by id.
func (s *TicketStore) List() ([]Ticket, error) {
	entries, err := afero.ReadDir(s.fs, s.ns.Dir)
	if err != nil {
		return nil, fmt.Errorf("list tickets in %s: %w", s.ns.Dir, err)
	}
	var tickets []Ticket
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := parseTicket(s.pattern, e.Name())
		if !ok {
			continue
		}
		tickets = append(tickets, Ticket{
			ID:      id,
			Path:    filepath.Join(s.ns.Dir, e.Name()),
			ModTime: e.ModTime(),
		})
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].ID < tickets[j].ID })
	return tickets, nil
}

// Exists reports whether ticket id is present.
func (s *TicketStore) Exists(id int) bool {
	ok, _ := afero.Exists(s.fs, s.Path(id))
	return ok
}

// Create creates ticket id. It fails if the ticket already exists.
func (s *TicketStore) Create(id int) error {
	f, err := s.fs.OpenFile(s.Path(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("cannot create the lock file: %w", err)
	}
	return f.Close()
}

// Remove deletes ticket id. A ticket that is already gone is not an error.
func (s *TicketStore) Remove(id int) error {
	return s.remove(s.Path(id))
}

func (s *TicketStore) remove(path string) error {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
