package models

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/mmdatafocus/cellar_backend/config"
	"github.com/mmdatafocus/cellar_backend/utils"
	"gorm.io/gorm"
)

type User struct {
	ID         int            `gorm:"primary_key" json:"id"`
	BusinessId string         `gorm:"index" json:"business_id"`
	Username   string         `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name       string         `gorm:"size:100;not null" json:"name" binding:"required"`
	Email      *string        `gorm:"size:100;unique" json:"email"`
	Phone      string         `gorm:"size:20" json:"phone"`
	Password   string         `gorm:"size:255;not null" json:"-"`
	IsActive   *bool          `gorm:"not null" json:"is_active"`
	Role       UserRole       `gorm:"type:enum('A', 'O', 'C');default:C" json:"role"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

type NewUser struct {
	BusinessId string   `json:"business_id"`
	Username   string   `json:"username" binding:"required"`
	Name       string   `json:"name" binding:"required"`
	Email      string   `json:"email"`
	Phone      string   `json:"phone"`
	Password   string   `json:"password" binding:"required"`
	Role       UserRole `json:"role" binding:"required"`
}

func (input *NewUser) validate() error {
	if len(strings.TrimSpace(input.Password)) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("email is invalid")
	}
	return nil
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := User{
		BusinessId: input.BusinessId,
		Username:   html.EscapeString(strings.TrimSpace(input.Username)),
		Name:       input.Name,
		Phone:      input.Phone,
		Password:   string(hashed),
		IsActive:   utils.NewTrue(),
		Role:       input.Role,
	}
	if input.Email != "" {
		email := input.Email
		user.Email = &email
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Login verifies credentials and returns a signed token for the user.
func Login(ctx context.Context, username string, password string) (string, *User, error) {
	db := config.GetDB()

	var user User
	skipScope := utils.SetIsAdminInContext(ctx, true) // login is pre-tenant
	if err := db.WithContext(skipScope).Where("username = ?", username).First(&user).Error; err != nil {
		return "", nil, errors.New("invalid username or password")
	}
	if user.IsActive == nil || !*user.IsActive {
		return "", nil, errors.New("account is disabled")
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		return "", nil, errors.New("invalid username or password")
	}

	token, err := utils.JwtGenerate(user.ID, string(user.Role))
	if err != nil {
		return "", nil, err
	}
	return token, &user, nil
}

func GetUserById(ctx context.Context, id int) (*User, error) {
	db := config.GetDB()
	var user User
	skipScope := utils.SetIsAdminInContext(ctx, true) // users own their business scoping
	if err := db.WithContext(skipScope).First(&user, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &user, nil
}
