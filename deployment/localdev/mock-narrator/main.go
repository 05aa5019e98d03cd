// Command mock-narrator is a tiny stand-in for the narrative-generation
// service, used for local development. It echoes a canned sentence built from
// the submitted recommendation.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
)

type narrateRequest struct {
	Action   string   `json:"action"`
	Priority string   `json:"priority"`
	Targets  []string `json:"targets"`
}

func main() {
	addr := flag.String("addr", ":8085", "listen address")
	flag.Parse()

	http.HandleFunc("/narrate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req narrateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		text := fmt.Sprintf("[%s] %s (affects: %s)",
			strings.ToUpper(req.Priority), req.Action, strings.Join(req.Targets, ", "))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": text})
	})

	log.Printf("mock narrator listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
