package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

func sudoActor() *model.Admin {
	return &model.Admin{ID: uuid.New(), Username: "root", Role: model.AdminRoleSudo}
}

func tenantActor(usersLimit, dataLimit, used int64) *model.Admin {
	return &model.Admin{
		ID:          uuid.New(),
		Username:    "tenant",
		Role:        model.AdminRoleAdmin,
		UsersLimit:  usersLimit,
		DataLimit:   dataLimit,
		UsedTraffic: used,
	}
}

func newUnitUserService(users *stubUserRepo, admins *stubAdminRepo, proxies *stubProxyRepo) *UserService {
	return NewUserService(nil, users, admins, nil, proxies, nil, nil, nil, nil)
}

func TestCreateUser_Validation(t *testing.T) {
	t.Parallel()

	svc := newUnitUserService(nil, nil, nil)
	actor := sudoActor()

	cases := []CreateUserRequest{
		{Username: ""},
		{Username: "ab"},
		{Username: "bad name!"},
		{Username: "alice", DataLimit: -1},
		{Username: "alice", DataLimitResetStrategy: "fortnight"},
		{Username: "alice", OnHold: true, ExpireAt: func() *time.Time { t := time.Now(); return &t }()},
	}
	for _, req := range cases {
		if _, err := svc.Create(context.Background(), actor, req); err != ErrValidation {
			t.Fatalf("%q: expected ErrValidation, got %v", req.Username, err)
		}
	}
}

func TestCreateUser_UsersLimitGate(t *testing.T) {
	t.Parallel()

	actor := tenantActor(5, 0, 0)
	admins := &stubAdminRepo{
		findByIDFn: func(_ context.Context, _ uuid.UUID) (*model.Admin, error) {
			return actor, nil
		},
	}
	users := &stubUserRepo{
		countOwnedFn: func(_ context.Context, adminID uuid.UUID) (int64, error) {
			if adminID != actor.ID {
				t.Fatalf("unexpected admin id: %s", adminID)
			}
			return 5, nil
		},
	}
	svc := newUnitUserService(users, admins, nil)

	_, err := svc.Create(context.Background(), actor, CreateUserRequest{Username: "alice"})
	if err != ErrUsersLimitReached {
		t.Fatalf("expected ErrUsersLimitReached, got %v", err)
	}
}

func TestCreateUser_AdminDataLimitGate(t *testing.T) {
	t.Parallel()

	actor := tenantActor(0, 1000, 1000)
	admins := &stubAdminRepo{
		findByIDFn: func(_ context.Context, _ uuid.UUID) (*model.Admin, error) {
			return actor, nil
		},
	}
	svc := newUnitUserService(nil, admins, nil)

	_, err := svc.Create(context.Background(), actor, CreateUserRequest{Username: "alice"})
	if err != ErrAdminDataLimit {
		t.Fatalf("expected ErrAdminDataLimit, got %v", err)
	}
}

func TestCreateUser_DerivesProxyCredentials(t *testing.T) {
	t.Parallel()

	actor := sudoActor()
	var created *model.User
	users := &stubUserRepo{
		createFn: func(_ context.Context, user *model.User) error {
			user.ID = uuid.New()
			created = user
			return nil
		},
	}
	var gotProxies []*model.Proxy
	proxies := &stubProxyRepo{
		replaceForUserFn: func(_ context.Context, _ uuid.UUID, ps []*model.Proxy) error {
			gotProxies = ps
			return nil
		},
	}
	svc := newUnitUserService(users, nil, proxies)

	user, err := svc.Create(context.Background(), actor, CreateUserRequest{
		Username:  "alice",
		OnHold:    true,
		Protocols: []model.ProxyProtocol{model.ProxyProtocolVLESS, model.ProxyProtocolTrojan},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if user.Status != model.UserStatusOnHold {
		t.Fatalf("expected on_hold, got %s", user.Status)
	}
	if created.CredentialKey == "" {
		t.Fatal("expected a generated credential key")
	}
	if len(gotProxies) != 2 {
		t.Fatalf("expected 2 proxies, got %d", len(gotProxies))
	}
	if gotProxies[0].Settings["id"] == "" {
		t.Fatalf("vless proxy must carry a uuid: %+v", gotProxies[0].Settings)
	}
	if gotProxies[1].Settings["password"] == "" {
		t.Fatalf("trojan proxy must carry a password: %+v", gotProxies[1].Settings)
	}
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	t.Parallel()

	users := &stubUserRepo{
		createFn: func(_ context.Context, _ *model.User) error {
			return repository.ErrDuplicate
		},
	}
	svc := newUnitUserService(users, nil, nil)

	if _, err := svc.Create(context.Background(), sudoActor(), CreateUserRequest{Username: "alice"}); err != ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestUpdateUser_RaiseLimitReactivates(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	stored := &model.User{
		ID:          userID,
		Username:    "alice",
		Status:      model.UserStatusLimited,
		UsedTraffic: 1000,
		DataLimit:   1000,
		Version:     3,
	}
	users := &stubUserRepo{
		findByIDFn: func(_ context.Context, _ uuid.UUID) (*model.User, error) {
			clone := *stored
			return &clone, nil
		},
		updateFn: func(_ context.Context, user *model.User) error {
			stored = user
			return nil
		},
	}
	svc := newUnitUserService(users, nil, nil)

	newLimit := int64(5000)
	user, err := svc.Update(context.Background(), sudoActor(), userID, UpdateUserRequest{DataLimit: &newLimit})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if user.Status != model.UserStatusActive {
		t.Fatalf("raised limit must reactivate, got %s", user.Status)
	}
	if user.DataLimit != 5000 {
		t.Fatalf("expected limit 5000, got %d", user.DataLimit)
	}
}

func TestUpdateUser_ConflictRetries(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	reads := 0
	users := &stubUserRepo{
		findByIDFn: func(_ context.Context, _ uuid.UUID) (*model.User, error) {
			reads++
			return &model.User{ID: userID, Username: "alice", Status: model.UserStatusActive, Version: int64(reads)}, nil
		},
		updateFn: func(_ context.Context, _ *model.User) error {
			return repository.ErrVersionConflict
		},
	}
	svc := newUnitUserService(users, nil, nil)

	note := "n"
	_, err := svc.Update(context.Background(), sudoActor(), userID, UpdateUserRequest{Note: &note})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if reads != maxChargeAttempts {
		t.Fatalf("expected %d re-reads, got %d", maxChargeAttempts, reads)
	}
}

func TestUpdateUser_ScopedToOwner(t *testing.T) {
	t.Parallel()

	otherAdmin := uuid.New()
	users := &stubUserRepo{
		findByIDFn: func(_ context.Context, id uuid.UUID) (*model.User, error) {
			return &model.User{ID: id, Username: "alice", AdminID: &otherAdmin, Status: model.UserStatusActive}, nil
		},
	}
	svc := newUnitUserService(users, nil, nil)

	actor := tenantActor(0, 0, 0)
	note := "n"
	if _, err := svc.Update(context.Background(), actor, uuid.New(), UpdateUserRequest{Note: &note}); err != ErrUserNotFound {
		t.Fatalf("foreign user must read as not found, got %v", err)
	}
}

func TestSetEnabled_DisableThenEnable(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	stored := &model.User{ID: userID, Username: "alice", Status: model.UserStatusActive, Version: 1}
	users := &stubUserRepo{
		findByIDFn: func(_ context.Context, _ uuid.UUID) (*model.User, error) {
			clone := *stored
			return &clone, nil
		},
		updateFn: func(_ context.Context, user *model.User) error {
			stored = user
			return nil
		},
	}
	svc := newUnitUserService(users, nil, nil)
	actor := sudoActor()

	user, err := svc.SetEnabled(context.Background(), actor, userID, false)
	if err != nil {
		t.Fatalf("disable returned error: %v", err)
	}
	if user.Status != model.UserStatusDisabled {
		t.Fatalf("expected disabled, got %s", user.Status)
	}

	// enabling a user whose limit is breached lands in limited, not active
	stored.UsedTraffic = 1000
	stored.DataLimit = 1000

	user, err = svc.SetEnabled(context.Background(), actor, userID, true)
	if err != nil {
		t.Fatalf("enable returned error: %v", err)
	}
	if user.Status != model.UserStatusLimited {
		t.Fatalf("breached user must re-enable as limited, got %s", user.Status)
	}
}

func TestDeleteUser_SoftDeletes(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	deleted := false
	users := &stubUserRepo{
		findByIDFn: func(_ context.Context, _ uuid.UUID) (*model.User, error) {
			return &model.User{ID: userID, Username: "alice", Status: model.UserStatusActive}, nil
		},
		softDeleteFn: func(_ context.Context, id uuid.UUID) error {
			if id != userID {
				t.Fatalf("unexpected id: %s", id)
			}
			deleted = true
			return nil
		},
	}
	svc := newUnitUserService(users, nil, nil)

	if err := svc.Delete(context.Background(), sudoActor(), userID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if !deleted {
		t.Fatal("expected a soft delete")
	}
}

func TestRevokeCredentials_RotatesKeyAndProxies(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	stored := &model.User{ID: userID, Username: "alice", Status: model.UserStatusActive, CredentialKey: "old", Version: 1}
	users := &stubUserRepo{
		findByIDFn: func(_ context.Context, _ uuid.UUID) (*model.User, error) {
			clone := *stored
			return &clone, nil
		},
		updateFn: func(_ context.Context, user *model.User) error {
			stored = user
			return nil
		},
	}
	proxies := &stubProxyRepo{
		listByUserFn: func(_ context.Context, _ uuid.UUID) ([]*model.Proxy, error) {
			return []*model.Proxy{{Protocol: model.ProxyProtocolVMess, Settings: map[string]string{"id": "stale"}}}, nil
		},
		replaceForUserFn: func(_ context.Context, _ uuid.UUID, ps []*model.Proxy) error {
			if len(ps) != 1 || ps[0].Protocol != model.ProxyProtocolVMess {
				t.Fatalf("expected the existing protocol set regenerated, got %+v", ps)
			}
			if ps[0].Settings["id"] == "stale" {
				t.Fatal("expected a fresh derived credential")
			}
			return nil
		},
	}
	svc := newUnitUserService(users, nil, proxies)

	user, err := svc.RevokeCredentials(context.Background(), sudoActor(), userID)
	if err != nil {
		t.Fatalf("RevokeCredentials returned error: %v", err)
	}
	if user.CredentialKey == "old" {
		t.Fatal("expected a rotated credential key")
	}
	if user.SubUpdatedAt == nil {
		t.Fatal("expected sub_updated_at refreshed")
	}
}
