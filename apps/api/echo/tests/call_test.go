package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darasahq/darasa/core/call"
	"github.com/darasahq/darasa/core/user"
	testutil "github.com/darasahq/darasa/tests"
)

func initiateOneToOne(t *testing.T, token, teacherID string) call.Call {
	t.Helper()
	body := marchallObj(t, map[string]string{"teacher_id": teacherID})
	req, rec := newAuthRequest(http.MethodPost, "/api/calls/one-to-one", token, body)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiating call failed: code = %v; body = %v", rec.Code, rec.Body.String())
	}
	var c call.Call
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("unmarshalling response failed: %v", err)
	}
	return c
}

func respondToCall(t *testing.T, token, callID string, decision call.Status) {
	t.Helper()
	body := marchallObj(t, map[string]call.Status{"decision": decision})
	req, rec := newAuthRequest(http.MethodPost, "/api/calls/"+callID+"/respond", token, body)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("responding to call failed: code = %v; body = %v", rec.Code, rec.Body.String())
	}
}

func Test_callApi_initiateOneToOne(t *testing.T) {
	resetDB(t)

	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "mwalimu", "mwalimu@test.cd", "", []string{user.RoleTeacher}, true)
	student := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	broke := testutil.CreateUser(t, usrRepo, "Broke", "broke", "broke@test.cd", "", []string{user.RoleStudent}, true)
	testutil.SetPoints(t, usrRepo, broke, user.PointsOneToOne, call.OneToOneCost-1)
	studentToken := getToken(t, student)

	tests := []httpTest{
		{
			name: "auth required", wantCode: http.StatusUnauthorized,
			body:     marchallObj(t, map[string]string{"teacher_id": teacher.ID}),
			wantData: marchallObj(t, errMissingToken),
		},
		{
			name: "students only", token: getToken(t, teacher), wantCode: http.StatusForbidden,
			body:     marchallObj(t, map[string]string{"teacher_id": teacher.ID}),
			wantData: marchallObj(t, errForbidden),
		},
		{
			name: "unknown teacher", token: studentToken, wantCode: http.StatusNotFound,
			body:     marchallObj(t, map[string]string{"teacher_id": "nope"}),
			wantData: marchallObj(t, httpErr{Error: call.ErrTeacherNotFound.Error()}),
		},
		{
			name: "insufficient balance", token: getToken(t, broke), wantCode: http.StatusBadRequest,
			body:     marchallObj(t, map[string]string{"teacher_id": teacher.ID}),
			wantData: marchallObj(t, httpErr{Error: call.ErrInsufficientBalance.Error()}),
		},
		{
			name: "call initiated", token: studentToken, wantCode: http.StatusCreated,
			body: marchallObj(t, map[string]string{"teacher_id": teacher.ID}),
		},
		{
			name: "one pending request per teacher", token: studentToken, wantCode: http.StatusConflict,
			body:     marchallObj(t, map[string]string{"teacher_id": teacher.ID}),
			wantData: marchallObj(t, httpErr{Error: call.ErrDuplicatePending.Error()}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, "/api/calls/one-to-one", tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if rec.Code != http.StatusCreated {
				return
			}
			var c call.Call
			if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
				t.Fatalf("unmarshalling response failed: %v", err)
			}
			if c.Status != call.StatusPending || c.PointsCost != call.OneToOneCost {
				t.Errorf("got %v/%d points, want pending/%d", c.Status, c.PointsCost, call.OneToOneCost)
			}
			fresh, _ := usrRepo.GetUserByID(req.Context(), student.ID)
			if fresh.OneToOnePoints != user.DefaultPoints-call.OneToOneCost {
				t.Errorf("balance = %d, want %d", fresh.OneToOnePoints, user.DefaultPoints-call.OneToOneCost)
			}
		})
	}
}

func Test_callApi_initiateGroup(t *testing.T) {
	resetDB(t)

	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "mwalimu", "mwalimu@test.cd", "", []string{user.RoleTeacher}, true)
	hero := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	king := testutil.CreateUser(t, usrRepo, "King", "king", "king@test.cd", "", []string{user.RoleStudent}, true)
	stranger := testutil.CreateUser(t, usrRepo, "Stranger", "stranger", "stranger@test.cd", "", []string{user.RoleStudent}, true)
	testutil.Befriend(t, usrRepo, hero, king)
	heroToken := getToken(t, hero)

	tests := []httpTest{
		{
			name: "participants must be friends", token: heroToken, wantCode: http.StatusBadRequest,
			body:     marchallObj(t, map[string]interface{}{"teacher_id": teacher.ID, "participant_ids": []string{stranger.ID}}),
			wantData: marchallObj(t, httpErr{Error: call.ErrInvalidParticipant.Error()}),
		},
		{
			name: "at most 4 friends", token: heroToken, wantCode: http.StatusBadRequest,
			body: marchallObj(t, map[string]interface{}{
				"teacher_id":      teacher.ID,
				"participant_ids": []string{"a", "b", "c", "d", "e"},
			}),
		},
		{
			name: "group call initiated", token: heroToken, wantCode: http.StatusCreated,
			body: marchallObj(t, map[string]interface{}{"teacher_id": teacher.ID, "participant_ids": []string{king.ID}}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, "/api/calls/group", tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if rec.Code != http.StatusCreated {
				return
			}
			// both students are debited the group price
			for _, usr := range []user.User{hero, king} {
				fresh, _ := usrRepo.GetUserByID(req.Context(), usr.ID)
				if fresh.GroupPoints != user.DefaultPoints-call.GroupCost {
					t.Errorf("%s balance = %d, want %d", usr.Username, fresh.GroupPoints, user.DefaultPoints-call.GroupCost)
				}
			}
		})
	}
}

func Test_callApi_respond(t *testing.T) {
	resetDB(t)

	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "mwalimu", "mwalimu@test.cd", "", []string{user.RoleTeacher}, true)
	otherTeacher := testutil.CreateUser(t, usrRepo, "Profesa", "profesa", "profesa@test.cd", "", []string{user.RoleTeacher}, true)
	student := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	teacherToken := getToken(t, teacher)

	c := initiateOneToOne(t, getToken(t, student), teacher.ID)
	accepted := marchallObj(t, map[string]string{"decision": "accepted"})

	tests := []httpTest{
		{
			name: "teachers only", token: getToken(t, student), body: accepted,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden),
		},
		{
			name: "only the requested teacher", token: getToken(t, otherTeacher), body: accepted,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: call.ErrNotTeacher.Error()}),
		},
		{
			name: "decision must be accepted or rejected", token: teacherToken,
			body:     marchallObj(t, map[string]string{"decision": "maybe"}),
			wantCode: http.StatusBadRequest,
		},
		{
			name: "accepted", token: teacherToken, body: accepted, wantCode: http.StatusOK,
		},
		{
			name: "cannot respond twice", token: teacherToken,
			body:     marchallObj(t, map[string]string{"decision": "rejected"}),
			wantCode: http.StatusConflict, wantData: marchallObj(t, httpErr{Error: call.ErrAlreadyResponded.Error()}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodPost, "/api/calls/"+c.CallID+"/respond", tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if tt.name != "accepted" || rec.Code != http.StatusOK {
				return
			}
			var got call.Call
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("unmarshalling response failed: %v", err)
			}
			if got.Status != call.StatusAccepted || got.StartTime.IsZero() {
				t.Errorf("got %v (start %v), want accepted with a start time", got.Status, got.StartTime)
			}
		})
	}

	// rejection refunds the initiator
	t.Run("rejection refunds", func(t *testing.T) {
		c := initiateOneToOne(t, getToken(t, student), otherTeacher.ID)
		respondToCall(t, getToken(t, otherTeacher), c.CallID, call.StatusRejected)

		fresh, _ := usrRepo.GetUserByID(context.Background(), student.ID)
		if fresh.OneToOnePoints != user.DefaultPoints-call.OneToOneCost {
			t.Errorf("balance = %d, want %d (only the accepted call paid for)",
				fresh.OneToOnePoints, user.DefaultPoints-call.OneToOneCost)
		}
	})
}

func Test_callApi_complete(t *testing.T) {
	resetDB(t)

	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "mwalimu", "mwalimu@test.cd", "", []string{user.RoleTeacher}, true)
	student := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	outsider := testutil.CreateUser(t, usrRepo, "Stranger", "stranger", "stranger@test.cd", "", []string{user.RoleStudent}, true)
	studentToken := getToken(t, student)

	c := initiateOneToOne(t, studentToken, teacher.ID)

	tests := []httpTest{
		{
			name: "pending calls cannot be completed", token: studentToken,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: call.ErrNotAccepted.Error()}),
		},
		{
			name: "participants only", token: getToken(t, outsider), extra: call.StatusAccepted,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: call.ErrNotParticipant.Error()}),
		},
		{
			name: "completed", token: studentToken, wantCode: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.extra == call.StatusAccepted {
				respondToCall(t, getToken(t, teacher), c.CallID, call.StatusAccepted)
			}

			req, rec := newAuthRequest(http.MethodPost, "/api/calls/"+c.CallID+"/complete", tt.token)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if tt.name != "completed" || rec.Code != http.StatusOK {
				return
			}
			var got call.Call
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("unmarshalling response failed: %v", err)
			}
			if got.Status != call.StatusCompleted || got.EndTime.IsZero() {
				t.Errorf("got %v (end %v), want completed with an end time", got.Status, got.EndTime)
			}
		})
	}
}

func Test_callApi_query(t *testing.T) {
	resetDB(t)

	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "mwalimu", "mwalimu@test.cd", "", []string{user.RoleTeacher}, true)
	hero := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	king := testutil.CreateUser(t, usrRepo, "King", "king", "king@test.cd", "", []string{user.RoleStudent}, true)
	admin := testutil.CreateUser(t, usrRepo, "Admin", "admin", "admin@test.cd", "", []string{user.RoleAdmin}, true)

	heroCall := initiateOneToOne(t, getToken(t, hero), teacher.ID)
	kingCall := initiateOneToOne(t, getToken(t, king), teacher.ID)

	tests := []httpTest{
		{
			name: "own calls only", path: "/api/calls", token: getToken(t, hero),
			wantCode: http.StatusOK, wantData: marchallList(t, heroCall),
		},
		{
			// the participant filter is ignored for non-admins
			name: "cannot snoop on others", path: "/api/calls?participant=" + king.ID, token: getToken(t, hero),
			wantCode: http.StatusOK, wantData: marchallList(t, heroCall),
		},
		{
			name: "teachers see their requests", path: "/api/calls?status=pending", token: getToken(t, teacher),
			wantCode: http.StatusOK, wantData: marchallList(t, heroCall, kingCall),
		},
		{
			name: "admins can inspect anyone", path: "/api/calls?participant=" + king.ID, token: getToken(t, admin),
			wantCode: http.StatusOK, wantData: marchallList(t, kingCall),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodGet, tt.path, tt.token)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

// wsMsg mirrors the relay's wire format.
type wsMsg struct {
	Event string          `json:"event"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func dialWS(t *testing.T, srv *httptest.Server, callID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/calls/ws/" + callID + "?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func readWS(t *testing.T, conn *websocket.Conn) wsMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading signaling message failed: %v", err)
	}
	return msg
}

func Test_callApi_signaling(t *testing.T) {
	resetDB(t)
	srv := httptest.NewServer(app)
	defer srv.Close()

	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "mwalimu", "mwalimu@test.cd", "", []string{user.RoleTeacher}, true)
	student := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	outsider := testutil.CreateUser(t, usrRepo, "Stranger", "stranger", "stranger@test.cd", "", []string{user.RoleStudent}, true)
	studentToken := getToken(t, student)
	teacherToken := getToken(t, teacher)

	c := initiateOneToOne(t, studentToken, teacher.ID)

	t.Run("pending calls cannot be joined", func(t *testing.T) {
		_, _, err := dialWS(t, srv, c.CallID, studentToken)
		if err != websocket.ErrBadHandshake {
			t.Fatalf("Dial() err = %v, want %v", err, websocket.ErrBadHandshake)
		}
	})

	respondToCall(t, teacherToken, c.CallID, call.StatusAccepted)

	t.Run("participants only", func(t *testing.T) {
		_, resp, err := dialWS(t, srv, c.CallID, getToken(t, outsider))
		if err != websocket.ErrBadHandshake {
			t.Fatalf("Dial() err = %v, want %v", err, websocket.ErrBadHandshake)
		}
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("code = %v, want %v", resp.StatusCode, http.StatusForbidden)
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		_, resp, err := dialWS(t, srv, "nope", studentToken)
		if err != websocket.ErrBadHandshake {
			t.Fatalf("Dial() err = %v, want %v", err, websocket.ErrBadHandshake)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("code = %v, want %v", resp.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("signals are relayed with the sender stamped", func(t *testing.T) {
		studentConn, _, err := dialWS(t, srv, c.CallID, studentToken)
		if err != nil {
			t.Fatalf("Dial() failed: %v", err)
		}
		defer studentConn.Close()
		time.Sleep(50 * time.Millisecond) // let the join land

		teacherConn, _, err := dialWS(t, srv, c.CallID, teacherToken)
		if err != nil {
			t.Fatalf("Dial() failed: %v", err)
		}
		defer teacherConn.Close()

		if msg := readWS(t, studentConn); msg.Event != "user-joined" || msg.From != teacher.ID {
			t.Errorf("got %+v, want user-joined from the teacher", msg)
		}

		// the from field cannot be spoofed
		offer := wsMsg{Event: "offer", From: "someone-else", Data: json.RawMessage(`{"sdp":"v=0"}`)}
		time.Sleep(50 * time.Millisecond)
		if err = teacherConn.WriteJSON(offer); err != nil {
			t.Fatalf("WriteJSON() failed: %v", err)
		}
		msg := readWS(t, studentConn)
		if msg.Event != "offer" || msg.From != teacher.ID {
			t.Errorf("got %+v, want the offer stamped with the teacher's ID", msg)
		}
		if string(msg.Data) != `{"sdp":"v=0"}` {
			t.Errorf("Data = %s, want the payload forwarded verbatim", msg.Data)
		}

		// leaving notifies the rest of the room
		if err = teacherConn.WriteJSON(wsMsg{Event: "leave"}); err != nil {
			t.Fatalf("WriteJSON() failed: %v", err)
		}
		if msg := readWS(t, studentConn); msg.Event != "user-left" || msg.From != teacher.ID {
			t.Errorf("got %+v, want user-left from the teacher", msg)
		}
	})
}
