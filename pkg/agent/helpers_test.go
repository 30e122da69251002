package agent

import (
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/fleetctl/deployctl/pkg/ports"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return port
}

func testSpec() ports.ContainerSpec {
	return ports.ContainerSpec{
		Name:  "app_prod_api",
		Image: "acct/app-prod-api:v1",
	}
}
