package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/darasahq/darasa/core/user"
	testutil "github.com/darasahq/darasa/tests"
)

func Test_userApi_register(t *testing.T) {
	resetDB(t)

	testutil.CreateUser(t, usrRepo, "Taken", "taken", "taken@test.cd", "", nil, true)

	tests := []httpTest{
		{
			name: "password mismatch", wantCode: http.StatusBadRequest,
			body: marchallObj(t, map[string]string{
				"name": "Hero", "username": "hero", "email": "hero@test.cd",
				"password": "LordOfTheRings", "password_confirm": "LordOfTheWrongs",
			}),
		},
		{
			name: "username taken", wantCode: http.StatusBadRequest,
			body: marchallObj(t, map[string]string{
				"name": "Hero", "username": "taken", "email": "hero@test.cd",
				"password": "LordOfTheRings", "password_confirm": "LordOfTheRings",
			}),
			wantData: marchallObj(t, map[string]string{"username": user.ErrUsernameExists.Error()}),
		},
		{
			name: "registration succeeds", wantCode: http.StatusCreated,
			body: marchallObj(t, map[string]string{
				"name": "Hero", "username": "hero", "email": "hero@test.cd",
				"password": "LordOfTheRings", "password_confirm": "LordOfTheRings",
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, "/api/users/register", tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if rec.Code != http.StatusCreated {
				return
			}
			var usr user.User
			if err := json.Unmarshal(rec.Body.Bytes(), &usr); err != nil {
				t.Fatalf("unmarshalling response failed: %v", err)
			}
			// self-registration only ever creates students, with the
			// starting balances
			if len(usr.Roles) != 1 || usr.Roles[0] != user.RoleStudent {
				t.Errorf("Roles = %v, want [student]", usr.Roles)
			}
			if usr.OneToOnePoints != user.DefaultPoints || usr.GroupPoints != user.DefaultPoints {
				t.Errorf("points = %d/%d, want %d each", usr.OneToOnePoints, usr.GroupPoints, user.DefaultPoints)
			}
		})
	}
}

func Test_userApi_login(t *testing.T) {
	resetDB(t)

	testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "LordOfTheRings", []string{user.RoleStudent}, true)
	testutil.CreateUser(t, usrRepo, "N Dog", "ndog", "ndog@test.cd", "Naughty", []string{user.RoleStudent}, false)

	tests := []httpTest{
		{
			name: "unknown user", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, map[string]string{"username": "nope", "password": "LordOfTheRings"}),
			wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "wrong password", wantCode: http.StatusBadRequest,
			body:     marchallObj(t, map[string]string{"username": "hero", "password": "LordOfTheWrongs"}),
			wantData: marchallObj(t, httpErr{Error: "authentication failed"}),
		},
		{
			name: "deactivated account", wantCode: http.StatusForbidden,
			body:     marchallObj(t, map[string]string{"username": "ndog", "password": "Naughty"}),
			wantData: marchallObj(t, httpErr{Error: "account deactivated"}),
		},
		{
			name: "login by username", wantCode: http.StatusOK,
			body: marchallObj(t, map[string]string{"username": "hero", "password": "LordOfTheRings"}),
		},
		{
			name: "login by email", wantCode: http.StatusOK,
			body: marchallObj(t, map[string]string{"username": "hero@test.cd", "password": "LordOfTheRings"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, "/api/users/login", tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)

			if rec.Code != http.StatusOK {
				return
			}
			var resp struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshalling response failed: %v", err)
			}
			if resp.Token == "" {
				t.Error("token is empty")
			}
		})
	}
}

func Test_userApi_userQuery(t *testing.T) {
	resetDB(t)

	student := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "mwalimu", "mwalimu@test.cd", "", []string{user.RoleTeacher}, true)
	exTeacher := testutil.CreateUser(t, usrRepo, "Gone", "gone", "gone@test.cd", "", []string{user.RoleTeacher}, false)
	admin := testutil.CreateUser(t, usrRepo, "Admin", "admin", "admin@test.cd", "", []string{user.RoleAdmin}, true)

	tests := []httpTest{
		{
			name: "auth required", wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errMissingToken),
		},
		{
			// the directory a student picks a teacher from: active teachers only
			name: "students get the teacher directory", token: getToken(t, student),
			wantCode: http.StatusOK, wantData: marchallList(t, teacher),
		},
		{
			name: "teachers get the teacher directory too", token: getToken(t, teacher),
			wantCode: http.StatusOK, wantData: marchallList(t, teacher),
		},
		{
			name: "admins get everyone", token: getToken(t, admin),
			wantCode: http.StatusOK, wantData: marchallList(t, student, teacher, exTeacher, admin),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodGet, "/api/users", tt.token)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_userApi_userDetail(t *testing.T) {
	resetDB(t)

	student := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	other := testutil.CreateUser(t, usrRepo, "King", "king", "king@test.cd", "", []string{user.RoleStudent}, true)
	admin := testutil.CreateUser(t, usrRepo, "Admin", "admin", "admin@test.cd", "", []string{user.RoleAdmin}, true)

	tests := []httpTest{
		{
			name: "own profile", path: "/api/users/" + student.ID, token: getToken(t, student),
			wantCode: http.StatusOK, wantData: marchallObj(t, student),
		},
		{
			// existence is not leaked to strangers
			name: "someone else's profile", path: "/api/users/" + other.ID, token: getToken(t, student),
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "not found"}),
		},
		{
			name: "admin reads anyone", path: "/api/users/" + other.ID, token: getToken(t, admin),
			wantCode: http.StatusOK, wantData: marchallObj(t, other),
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

func Test_friendApi(t *testing.T) {
	resetDB(t)

	hero := testutil.CreateUser(t, usrRepo, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)
	king := testutil.CreateUser(t, usrRepo, "King", "king", "king@test.cd", "", []string{user.RoleStudent}, true)
	teacher := testutil.CreateUser(t, usrRepo, "Teacher", "mwalimu", "mwalimu@test.cd", "", []string{user.RoleTeacher}, true)
	heroToken := getToken(t, hero)

	tests := []httpTest{
		{
			name: "students only", method: http.MethodGet, path: "/api/friends", token: getToken(t, teacher),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden),
		},
		{
			name: "empty friend list", method: http.MethodGet, path: "/api/friends", token: heroToken,
			wantCode: http.StatusOK, wantData: marchallList(t),
		},
		{
			name: "cannot befriend yourself", method: http.MethodPost, path: "/api/friends/" + hero.ID, token: heroToken,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: user.ErrSelfFriend.Error()}),
		},
		{
			name: "cannot befriend a teacher", method: http.MethodPost, path: "/api/friends/" + teacher.ID, token: heroToken,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: user.ErrNotStudent.Error()}),
		},
		{
			name: "unknown friend", method: http.MethodPost, path: "/api/friends/nope", token: heroToken,
			wantCode: http.StatusNotFound,
		},
		{
			name: "add friend", method: http.MethodPost, path: "/api/friends/" + king.ID, token: heroToken,
			wantCode: http.StatusNoContent,
		},
		{
			name: "cannot add twice", method: http.MethodPost, path: "/api/friends/" + king.ID, token: heroToken,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: user.ErrAlreadyFriends.Error()}),
		},
		{
			name: "remove friend", method: http.MethodDelete, path: "/api/friends/" + king.ID, token: heroToken,
			wantCode: http.StatusNoContent,
		},
		{
			name: "cannot remove a non-friend", method: http.MethodDelete, path: "/api/friends/" + king.ID, token: heroToken,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: user.ErrNotFriends.Error()}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	// friendship is symmetric; both sides see it
	t.Run("friend list reflects both sides", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/api/friends/"+king.ID, heroToken)
		app.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("adding friend failed: code = %v", rec.Code)
		}

		hero, _ = usrRepo.GetUserByID(req.Context(), hero.ID)
		king, _ = usrRepo.GetUserByID(req.Context(), king.ID)
		for _, tt := range []struct {
			usr    user.User
			friend user.User
		}{
			{hero, king},
			{king, hero},
		} {
			req, rec := newAuthRequest(http.MethodGet, "/api/friends", getToken(t, tt.usr))
			app.ServeHTTP(rec, req)
			want := httpTest{wantCode: http.StatusOK, wantData: marchallList(t, tt.friend)}
			checkCodeAndData(t, want, rec)
		}
	})
}
