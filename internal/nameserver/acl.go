package nameserver

import "pkt.systems/scrivd/api"

func aclEntry(acl []ACLEntry, user string) *ACLEntry {
	for i := range acl {
		if acl[i].User == user {
			return &acl[i]
		}
	}
	return nil
}

func (f *FileRecord) canRead(user string) bool {
	if f.Owner == user {
		return true
	}
	entry := aclEntry(f.ACL, user)
	return entry != nil && entry.Read
}

func (f *FileRecord) canWrite(user string) bool {
	if f.Owner == user {
		return true
	}
	entry := aclEntry(f.ACL, user)
	return entry != nil && entry.Write
}

// grant adds or widens an ACL entry. The owner's entry is immutable.
func (f *FileRecord) grant(user string, read, write bool) error {
	if user == f.Owner {
		return api.Failf(api.ErrAlreadyHasAccess, "%q owns the file", user)
	}
	if write {
		read = true
	}
	entry := aclEntry(f.ACL, user)
	if entry == nil {
		f.ACL = append(f.ACL, ACLEntry{User: user, Read: read, Write: write})
		return nil
	}
	if entry.Read == read && entry.Write == write {
		return api.Failf(api.ErrAlreadyHasAccess, "%q already has this access", user)
	}
	entry.Read = read
	entry.Write = write
	return nil
}

// revoke removes a user's ACL entry. The owner entry is never removed.
func (f *FileRecord) revoke(user string) error {
	if user == f.Owner {
		return api.Failf(api.ErrPermissionDenied, "owner access cannot be revoked")
	}
	for i := range f.ACL {
		if f.ACL[i].User == user {
			f.ACL = append(f.ACL[:i], f.ACL[i+1:]...)
			return nil
		}
	}
	return api.Failf(api.ErrUserNotFound, "%q has no access entry", user)
}

// addAccess grants read/write on a file. Only the owner may grant.
func (s *Server) addAccess(owner, file, target string, read, write bool) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	rec, _, err := s.reg.file(file)
	if err != nil {
		return err
	}
	if rec.Owner != owner {
		return api.Failf(api.ErrNotOwner, "only the owner may grant access")
	}
	if !s.reg.knownUser(target) {
		return api.Failf(api.ErrUserNotFound, "unknown user %q", target)
	}
	if err := rec.grant(target, read, write); err != nil {
		return err
	}
	s.persistLocked()
	s.logger.Info("access.granted", "file", file, "user", target, "read", read, "write", write)
	return nil
}

// removeAccess revokes a user's access. Only the owner may revoke, and
// the owner's own entry is untouchable.
func (s *Server) removeAccess(owner, file, target string) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	rec, _, err := s.reg.file(file)
	if err != nil {
		return err
	}
	if rec.Owner != owner {
		return api.Failf(api.ErrNotOwner, "only the owner may revoke access")
	}
	if err := rec.revoke(target); err != nil {
		return err
	}
	s.persistLocked()
	s.logger.Info("access.revoked", "file", file, "user", target)
	return nil
}
