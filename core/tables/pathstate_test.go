package tables

import (
	"testing"

	"github.com/quillmesh/transport/core"
)

func TestPathStateTableDefaultUnknown(t *testing.T) {
	st := NewPathStateTable()
	if got := st.Get(destHash(1)); got != PathUnknown {
		t.Errorf("Get() = %v, want PathUnknown", got)
	}
}

func TestPathStateTableSetGetDelete(t *testing.T) {
	st := NewPathStateTable()
	dst := destHash(1)
	st.Set(dst, PathResponsive)
	if got := st.Get(dst); got != PathResponsive {
		t.Errorf("Get() = %v, want PathResponsive", got)
	}
	st.Delete(dst)
	if got := st.Get(dst); got != PathUnknown {
		t.Errorf("Get() after Delete() = %v, want PathUnknown", got)
	}
}

func TestPathStateTableCullOrphans(t *testing.T) {
	st := NewPathStateTable()
	live := destHash(1)
	orphan := destHash(2)
	st.Set(live, PathResponsive)
	st.Set(orphan, PathUnresponsive)

	st.CullOrphans(func(d core.DestHash) bool { return d == live })
	if st.Get(live) != PathResponsive {
		t.Error("live entry was culled")
	}
	if st.Get(orphan) != PathUnknown {
		t.Error("orphan entry survived CullOrphans()")
	}
}
