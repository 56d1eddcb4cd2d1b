package domain

import "errors"

// ErrNotFound — запись не найдена в хранилище.
// Хранилища возвращают её (или оборачивают) для отсутствующих записей.
var ErrNotFound = errors.New("not found")
