package client

import (
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
)

func TestClientAgainstRouter(t *testing.T) {

	router := mux.NewRouter()
	router.HandleFunc("/things", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "thing-1", "name": body["name"]})
	}).Methods(http.MethodPost)
	router.HandleFunc("/things/thing-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom") != "yes" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "thing-1"})
	}).Methods(http.MethodGet)

	cl := NewWithRouter(router).WithHeader("X-Custom", "yes")

	var created map[string]string
	status, err := cl.RawPost("/things", map[string]string{"name": "test"}, &created)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusCreated {
		t.Fatalf("expected %d, got %d", http.StatusCreated, status)
	}
	if created["name"] != "test" {
		t.Fatal("body was not passed through:", created)
	}

	var read map[string]string
	status, err = cl.RawGet("/things/thing-1", &read)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected %d, got %d", http.StatusOK, status)
	}

	// a wrong status is flagged as error
	if _, err = cl.RawGet("/things/thing-2", nil); err == nil {
		t.Fatal("expected error for unknown path")
	}
}

func TestClientHeadersDoNotLeak(t *testing.T) {
	base := NewWithRouter(mux.NewRouter())
	withHeader := base.WithHeader("X-Custom", "yes")
	if len(base.defaultHeaders) != 0 {
		t.Fatal("WithHeader must not modify the base client")
	}
	if withHeader.defaultHeaders["X-Custom"] != "yes" {
		t.Fatal("WithHeader must set the header on the derived client")
	}
}
