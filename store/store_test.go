package store

import (
	"bytes"
	"testing"
)

func testStore(t *testing.T, st Store) {
	t.Helper()

	key := []byte("header-id")
	value := []byte("serialized-header")

	if err := st.Write(key, value); err != nil {
		t.Fatal(err)
	}
	got, err := st.Read(key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("read %q, want %q", got, value)
	}

	ok, err := st.Has(key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("written key reported absent")
	}

	// Absent keys are not an error.
	got, err = st.Read([]byte("unknown"))
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("absent key read %q, want nil", got)
	}
	ok, err = st.Has([]byte("unknown"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("absent key reported present")
	}

	// Re-writing the same key is idempotent.
	if err := st.Write(key, value); err != nil {
		t.Fatal(err)
	}
	got, err = st.Read(key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, value) {
		t.Fatal("value changed after idempotent re-write")
	}
}

func TestInmemStore(t *testing.T) {
	st := NewInmemStore()
	defer st.Close()
	testStore(t, st)
}

func TestBadgerStore(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	testStore(t, st)
}

func TestBadgerStoreReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := NewBadgerStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Write([]byte("cert"), []byte("bytes")); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = NewBadgerStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.Read([]byte("cert"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("bytes")) {
		t.Fatal("value lost across reopen")
	}
}
