package leases

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Listing marks.
const (
	MarkPrivileged = "**"
	MarkBroken     = "BB"
	MarkValid      = "^^"
	MarkOther      = ".."
)

type listingStyles struct {
	privileged lipgloss.Style
	broken     lipgloss.Style
	valid      lipgloss.Style
	other      lipgloss.Style
}

func newListingStyles(w io.Writer) listingStyles {
	r := lipgloss.NewRenderer(w)
	return listingStyles{
		privileged: r.NewStyle().Bold(true).Foreground(lipgloss.Color("5")),
		broken:     r.NewStyle().Foreground(lipgloss.Color("1")),
		valid:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		other:      r.NewStyle().Faint(true),
	}
}

// WriteListing fetches when needed and prints the cached leases in rank
// order, one per line, each prefixed with its rank and a mark.
func (s *Store) WriteListing(ctx context.Context, w io.Writer) error {
	s.Fetch(ctx)
	privileged := s.Privileged()
	header := s.String()
	if privileged {
		header += " with special privileges"
	}
	if _, err := fmt.Fprintf(w, "----- %s\n", header); err != nil {
		return err
	}
	leases, ok := s.Snapshot()
	if !ok {
		_, err := fmt.Fprintln(w, "Leases not fetched")
		return err
	}
	styles := newListingStyles(w)
	now := s.now()
	for i, lease := range leases {
		mark := s.mark(styles, lease, privileged, now)
		if _, err := fmt.Fprintf(w, "%2d %s: %s\n", i+1, mark, lease.Describe(s.component, now)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) mark(styles listingStyles, lease Lease, privileged bool, now time.Time) string {
	switch {
	case privileged:
		return styles.privileged.Render(MarkPrivileged)
	case lease.IsBroken():
		return styles.broken.Render(MarkBroken)
	case lease.IsValid(s.identity.Login, s.component, now):
		return styles.valid.Render(MarkValid)
	default:
		return styles.other.Render(MarkOther)
	}
}
