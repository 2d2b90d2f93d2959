package tests

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	. "github.com/konfihub/konfichat/apps/api/echo"
	"github.com/konfihub/konfichat/core"
	"github.com/konfihub/konfichat/core/chat"
	"github.com/konfihub/konfichat/services/events"
	filesvc "github.com/konfihub/konfichat/services/filestore"
	logsvc "github.com/konfihub/konfichat/services/logger"
	inmemrepos "github.com/konfihub/konfichat/storage/database/inmem"
)

var (
	chatRepo  chat.Repository
	fileStore *filesvc.MemStore
	chatSvc   *chat.Service

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
)

func setup(t *testing.T) Server {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(log.New(ioutil.Discard, "", 0), conf)
	logger.Enable(false)

	// set up DB & repos
	db, err := inmemrepos.Open()
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	chatRepo = inmemrepos.NewChatRepository(db)

	// set up services
	fileStore = filesvc.NewMemStoreMock()
	hub := events.NewHub(logger)
	go hub.Run()

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	chat.InitValidators(validate, translator)

	chatSvc = chat.NewService(chatRepo, fileStore, hub, validate, conf)

	// set up server
	return NewServer(
		ServerDeps{
			Conf:           conf,
			Logger:         logger,
			ChatSvc:        chatSvc,
			Resolver:       chat.NewResolver(conf),
			Hub:            hub,
			DisableReqLogs: true,
			Validate:       validate,
			Translator:     translator,
		},
	)
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

// newUploadRequest builds a multipart request for the message-send endpoint;
// file is optional.
func newUploadRequest(t *testing.T, path, token, content string, file ...uploadFile) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if content != "" {
		if err := w.WriteField("content", content); err != nil {
			t.Fatalf("newUploadRequest() failed: %v", err)
		}
	}
	for _, f := range file {
		hdr := make(map[string][]string)
		hdr["Content-Disposition"] = []string{`form-data; name="file"; filename="` + f.name + `"`}
		hdr["Content-Type"] = []string{f.contentType}
		part, err := w.CreatePart(hdr)
		if err != nil {
			t.Fatalf("newUploadRequest() failed: %v", err)
		}
		if _, err = io.WriteString(part, f.content); err != nil {
			t.Fatalf("newUploadRequest() failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("newUploadRequest() failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

type uploadFile struct {
	name        string
	contentType string
	content     string
}

func getToken(t *testing.T, actor chat.Actor) string {
	claims := GetActorClaims(actor)
	token, err := GenerateToken(claims)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	if j1 == nil || j2 == nil {
		return false, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
