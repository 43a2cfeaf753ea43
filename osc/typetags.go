package osc

import "fmt"

// TypeTag identifies the kind of an OSC argument. The values are the bytes
// used in an OSC Type Tag String.
type TypeTag byte

const (
	TypeInt32         TypeTag = 'i'
	TypeInt64         TypeTag = 'h'
	TypeFloat32       TypeTag = 'f'
	TypeFloat64       TypeTag = 'd'
	TypeString        TypeTag = 's'
	TypeAltTypeString TypeTag = 'S'
	TypeBlob          TypeTag = 'b'
	TypeTrue          TypeTag = 'T'
	TypeFalse         TypeTag = 'F'
	TypeNil           TypeTag = 'N'
	TypeInfinitum     TypeTag = 'I'
	TypeTimeTag       TypeTag = 't'
	TypeMIDI          TypeTag = 'm'
	TypeColor32       TypeTag = 'r'
	TypeASCIIChar32   TypeTag = 'c'
	TypeArrayStart    TypeTag = '['
	TypeArrayEnd      TypeTag = ']'
	TypeInvalid       TypeTag = 0
)

// IsSupported reports whether the tag is a known, non-array atom.
func (t TypeTag) IsSupported() bool {
	switch t {
	case TypeInt32, TypeInt64, TypeFloat32, TypeFloat64, TypeString,
		TypeAltTypeString, TypeBlob, TypeTrue, TypeFalse, TypeNil,
		TypeInfinitum, TypeTimeTag, TypeMIDI, TypeColor32, TypeASCIIChar32:
		return true
	}
	return false
}

// fixedSize returns the wire width of the argument, or -1 for variable
// width atoms (strings and blobs).
func (t TypeTag) fixedSize() int {
	switch t {
	case TypeInt32, TypeFloat32, TypeColor32, TypeASCIIChar32, TypeMIDI:
		return bit32Size
	case TypeInt64, TypeFloat64, TypeTimeTag:
		return bit64Size
	case TypeTrue, TypeFalse, TypeNil, TypeInfinitum:
		return 0
	}
	return -1
}

func (t TypeTag) String() string {
	switch t {
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeFloat32:
		return "Float32"
	case TypeFloat64:
		return "Float64"
	case TypeString:
		return "String"
	case TypeAltTypeString:
		return "AltTypeString"
	case TypeBlob:
		return "Blob"
	case TypeTrue:
		return "True"
	case TypeFalse:
		return "False"
	case TypeNil:
		return "Nil"
	case TypeInfinitum:
		return "Infinitum"
	case TypeTimeTag:
		return "TimeTag"
	case TypeMIDI:
		return "MIDI"
	case TypeColor32:
		return "Color32"
	case TypeASCIIChar32:
		return "AsciiChar32"
	case TypeArrayStart:
		return "ArrayStart"
	case TypeArrayEnd:
		return "ArrayEnd"
	}
	return fmt.Sprintf("TypeTag(%q)", byte(t))
}

// MIDI is a four byte MIDI message: port id, status byte, data1, data2.
type MIDI struct {
	Port   byte
	Status byte
	Data1  byte
	Data2  byte
}

// Color32 is a 32 bit RGBA color.
type Color32 struct {
	R, G, B, A byte
}

// Char is an ASCII character sent as a 32 bit atom.
type Char byte

// Infinitum is the argument value for the 'I' (impulse) tag.
type Infinitum struct{}

// ToTypeTag returns the OSC TypeTag for the given argument.
// Returns TypeInvalid if the argument type is unsupported.
func ToTypeTag(arg any) TypeTag {
	switch t := arg.(type) {
	case bool:
		if t {
			return TypeTrue
		}
		return TypeFalse
	case nil:
		return TypeNil
	case int32:
		return TypeInt32
	case int:
		return TypeInt32
	case float32:
		return TypeFloat32
	case string:
		return TypeString
	case []byte:
		return TypeBlob
	case int64:
		return TypeInt64
	case float64:
		return TypeFloat64
	case Timetag:
		return TypeTimeTag
	case MIDI:
		return TypeMIDI
	case Color32:
		return TypeColor32
	case Char:
		return TypeASCIIChar32
	case Infinitum:
		return TypeInfinitum
	default:
		return TypeInvalid
	}
}

// TypeTags returns the type tag string, including the leading ',', for the
// given arguments.
func TypeTags(args ...any) (string, error) {
	tags := make([]byte, 0, len(args)+1)
	tags = append(tags, ',')
	for _, arg := range args {
		t := ToTypeTag(arg)
		if t == TypeInvalid {
			return "", fmt.Errorf("osc: unsupported argument type %T", arg)
		}
		tags = append(tags, byte(t))
	}
	return string(tags), nil
}
