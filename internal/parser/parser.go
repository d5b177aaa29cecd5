// Package parser implements a recursive-descent / Pratt parser for the Aster
// language.
//
// Design overview:
//
//   - Declarations are parsed with straightforward recursive descent.
//   - Expressions are parsed with a Pratt (top-down operator precedence) table.
//   - Errors are collected rather than aborting; the parser attempts to recover
//     by skipping to the next semicolon or closing brace so that subsequent
//     declarations can still be parsed.
//   - Comments produced by the lexer are silently skipped.
//   - A block's final expression with no trailing semicolon becomes the
//     block's value; parseBlockExpr is responsible for recognizing that case.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aster-lang/aster/internal/ast"
	"github.com/aster-lang/aster/internal/lexer"
	"github.com/aster-lang/aster/internal/token"
)

// ---------------------------------------------------------------------------
// Precedence levels (Pratt)
// ---------------------------------------------------------------------------

type precedence int

const (
	precLowest  precedence = iota // base
	precRange                     // .. ..=
	precOr                        // ||
	precAnd                       // &&
	precCmp                       // == != < > <= >=
	precBitOr                     // |
	precBitXor                    // ^
	precBitAnd                    // &
	precShift                     // << >>
	precAdd                       // + -
	precMul                       // * / %
	precPrefix                    // -x !x ~x &x
	precPostfix                   // . [] () :: ? .await
)

// infixPrecedence maps a token type to its infix binding power.
var infixPrecedence = map[token.Type]precedence{
	token.OROR:       precOr,
	token.ANDAND:     precAnd,
	token.EQ:         precCmp,
	token.NEQ:        precCmp,
	token.LT:         precCmp,
	token.GT:         precCmp,
	token.LTE:        precCmp,
	token.GTE:        precCmp,
	token.PIPE:       precBitOr,
	token.CARET:      precBitXor,
	token.AMP:        precBitAnd,
	token.LSHIFT:     precShift,
	token.RSHIFT:     precShift,
	token.PLUS:       precAdd,
	token.MINUS:      precAdd,
	token.STAR:       precMul,
	token.SLASH:      precMul,
	token.PERCENT:    precMul,
	token.DOTDOT:     precRange,
	token.DOTDOTEQ:   precRange,
	token.DOT:        precPostfix,
	token.LBRACKET:   precPostfix,
	token.LPAREN:     precPostfix,
	token.COLONCOLON: precPostfix,
	token.QUESTION:   precPostfix,
}

// assignOps maps compound-assignment token types to their base operator.
var assignOps = map[token.Type]string{
	token.ASSIGN:    "=",
	token.PLUSEQ:    "+=",
	token.MINUSEQ:   "-=",
	token.STAREQ:    "*=",
	token.SLASHEQ:   "/=",
	token.PERCENTEQ: "%=",
	token.AMPEQ:      "&=",
	token.PIPEEQ:     "|=",
	token.CARETEQ:    "^=",
	token.LSHIFTEQ:   "<<=",
	token.RSHIFTEQ:   ">>=",
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// Parser holds the mutable state for a single parse run.
type Parser struct {
	lex    *lexer.Lexer
	cur    token.Token // current token
	peek   token.Token // lookahead token
	errors []error
}

// newParser initialises a Parser from source text.
func newParser(filename, source string) *Parser {
	p := &Parser{
		lex: lexer.New(filename, source),
	}
	p.advance()
	p.advance()
	return p
}

// Parse is the public entry point. It tokenises source, runs the parser, and
// returns the program AST together with any non-fatal errors that were
// collected during parsing.
func Parse(filename, source string) (*ast.Program, []error) {
	p := newParser(filename, source)
	prog := p.parseProgram()
	return prog, p.errors
}

// ---------------------------------------------------------------------------
// Token navigation helpers
// ---------------------------------------------------------------------------

func (p *Parser) advance() {
	p.cur = p.peek
	for {
		p.peek = p.lex.NextToken()
		if p.peek.Type != token.COMMENT {
			break
		}
	}
}

func (p *Parser) expect(typ token.Type) (token.Token, bool) {
	if p.cur.Type == typ {
		tok := p.cur
		p.advance()
		return tok, true
	}
	p.errorf(p.cur.Pos, "expected %s, got %s (%q)", typ, p.cur.Type, p.cur.Literal)
	return p.cur, false
}

func (p *Parser) expectPeek(typ token.Type) bool {
	if p.peek.Type == typ {
		p.advance()
		return true
	}
	p.errorf(p.peek.Pos, "expected %s, got %s (%q)", typ, p.peek.Type, p.peek.Literal)
	return false
}

func (p *Parser) curIs(typ token.Type) bool  { return p.cur.Type == typ }
func (p *Parser) peekIs(typ token.Type) bool { return p.peek.Type == typ }

func (p *Parser) skipTo(types ...token.Type) {
	for p.cur.Type != token.EOF {
		for _, t := range types {
			if p.cur.Type == t {
				return
			}
		}
		p.advance()
	}
}

func (p *Parser) errorf(pos token.Position, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	p.errors = append(p.errors, fmt.Errorf("%s: %s", pos, msg))
}

// ---------------------------------------------------------------------------
// Program and declarations
// ---------------------------------------------------------------------------

func (p *Parser) parseProgram() *ast.Program {
	prog := &ast.Program{}
	for !p.curIs(token.EOF) {
		decl := p.parseDeclaration()
		if decl != nil {
			prog.Declarations = append(prog.Declarations, decl)
		}
	}
	return prog
}

func (p *Parser) parseDeclaration() ast.Declaration {
	pub := false
	pubTok := p.cur
	if p.curIs(token.PUB) {
		pub = true
		p.advance()
	}

	switch p.cur.Type {
	case token.ASYNC, token.FN_KIND_GEN, token.FN:
		return p.parseFnDecl(pub)
	case token.STRUCT:
		return p.parseStructDecl(pub)
	case token.ENUM:
		return p.parseEnumDecl(pub)
	case token.TRAIT:
		return p.parseProtocolDecl(pub)
	case token.IMPL:
		if pub {
			p.errorf(pubTok.Pos, "'pub' is not valid before 'impl'")
		}
		return p.parseImplDecl()
	case token.CONST:
		return p.parseConstDecl(pub)
	case token.USE:
		if pub {
			p.errorf(pubTok.Pos, "'pub' is not valid before 'use'")
		}
		return p.parseUseDecl()
	case token.MOD:
		return p.parseModDecl(pub)
	default:
		p.errorf(p.cur.Pos, "unexpected token %s (%q) at top level", p.cur.Type, p.cur.Literal)
		p.advance()
		return nil
	}
}

// ---------------------------------------------------------------------------
// fn_decl = [ "async" ] [ "gen" ] "fn" IDENT "(" [ param_list ] ")" [ "->" type_expr ] block ;
// ---------------------------------------------------------------------------

func (p *Parser) parseFnDecl(pub bool) *ast.FnDecl {
	kind := ast.FnPlain
	isAsync := false
	isGen := false
	if p.curIs(token.ASYNC) {
		isAsync = true
		p.advance()
	}
	if p.curIs(token.FN_KIND_GEN) {
		isGen = true
		p.advance()
	}
	switch {
	case isAsync && isGen:
		kind = ast.FnAsyncGenerator
	case isAsync:
		kind = ast.FnAsync
	case isGen:
		kind = ast.FnGenerator
	}

	tok, _ := p.expect(token.FN)

	name := p.cur.Literal
	if _, ok := p.expect(token.IDENT); !ok {
		p.skipTo(token.LBRACE, token.SEMICOLON, token.EOF)
	}

	params := p.parseParamList()

	var retType ast.TypeExpr
	if p.curIs(token.ARROW) {
		p.advance()
		retType = p.parseType()
	}

	body := p.parseBlockExpr()

	return &ast.FnDecl{
		Token:      tok,
		Public:     pub,
		Kind:       kind,
		Name:       name,
		Params:     params,
		ReturnType: retType,
		Body:       body,
	}
}

func (p *Parser) parseParamList() []ast.Param {
	p.expect(token.LPAREN)
	var params []ast.Param
	for !p.curIs(token.RPAREN) && !p.curIs(token.EOF) {
		mut := false
		if p.curIs(token.MUT) {
			mut = true
			p.advance()
		}
		if p.curIs(token.SELF) {
			params = append(params, ast.Param{Token: p.cur, Name: "self", Mutable: mut})
			p.advance()
		} else {
			tok := p.cur
			name := p.cur.Literal
			p.expect(token.IDENT)
			var typ ast.TypeExpr
			if p.curIs(token.COLON) {
				p.advance()
				typ = p.parseType()
			}
			params = append(params, ast.Param{Token: tok, Name: name, Mutable: mut, Type: typ})
		}
		if p.curIs(token.COMMA) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(token.RPAREN)
	return params
}

// ---------------------------------------------------------------------------
// struct_decl = [ "pub" ] "struct" IDENT "{" { field } "}" ;
// ---------------------------------------------------------------------------

func (p *Parser) parseStructDecl(pub bool) *ast.StructDecl {
	tok := p.cur
	p.advance() // 'struct'
	name := p.cur.Literal
	p.expect(token.IDENT)

	decl := &ast.StructDecl{Token: tok, Public: pub, Name: name}
	p.expect(token.LBRACE)
	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		fpub := false
		if p.curIs(token.PUB) {
			fpub = true
			p.advance()
		}
		ftok := p.cur
		fname := p.cur.Literal
		p.expect(token.IDENT)
		var ftyp ast.TypeExpr
		if p.curIs(token.COLON) {
			p.advance()
			ftyp = p.parseType()
		}
		decl.Fields = append(decl.Fields, ast.Field{Token: ftok, Name: fname, Public: fpub, Type: ftyp})
		if p.curIs(token.COMMA) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(token.RBRACE)
	return decl
}

// ---------------------------------------------------------------------------
// enum_decl = [ "pub" ] "enum" IDENT "{" { variant } "}" ;
// ---------------------------------------------------------------------------

func (p *Parser) parseEnumDecl(pub bool) *ast.EnumDecl {
	tok := p.cur
	p.advance() // 'enum'
	name := p.cur.Literal
	p.expect(token.IDENT)

	decl := &ast.EnumDecl{Token: tok, Public: pub, Name: name}
	p.expect(token.LBRACE)
	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		vtok := p.cur
		vname := p.cur.Literal
		p.expect(token.IDENT)
		var fields []ast.TypeExpr
		if p.curIs(token.LPAREN) {
			p.advance()
			for !p.curIs(token.RPAREN) && !p.curIs(token.EOF) {
				fields = append(fields, p.parseType())
				if p.curIs(token.COMMA) {
					p.advance()
				} else {
					break
				}
			}
			p.expect(token.RPAREN)
		}
		decl.Variants = append(decl.Variants, ast.EnumVariant{Token: vtok, Name: vname, Fields: fields})
		if p.curIs(token.COMMA) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(token.RBRACE)
	return decl
}

// ---------------------------------------------------------------------------
// protocol_decl (formerly "trait") = [ "pub" ] "trait" IDENT "{" { method_sig } "}" ;
// ---------------------------------------------------------------------------

func (p *Parser) parseProtocolDecl(pub bool) *ast.ProtocolDecl {
	tok := p.cur
	p.advance() // 'trait'
	name := p.cur.Literal
	p.expect(token.IDENT)

	decl := &ast.ProtocolDecl{Token: tok, Public: pub, Name: name}
	p.expect(token.LBRACE)
	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		p.expect(token.FN)
		mtok := p.cur
		mname := p.cur.Literal
		p.expect(token.IDENT)
		params := p.parseParamList()
		var ret ast.TypeExpr
		if p.curIs(token.ARROW) {
			p.advance()
			ret = p.parseType()
		}
		p.expect(token.SEMICOLON)
		decl.Methods = append(decl.Methods, ast.ProtocolMethod{Token: mtok, Name: mname, Params: params, ReturnType: ret})
	}
	p.expect(token.RBRACE)
	return decl
}

// ---------------------------------------------------------------------------
// impl_decl = "impl" [ IDENT "for" ] IDENT "{" { fn_decl } "}" ;
// ---------------------------------------------------------------------------

func (p *Parser) parseImplDecl() *ast.ImplDecl {
	tok := p.cur
	p.advance() // 'impl'

	first := p.cur.Literal
	p.expect(token.IDENT)

	decl := &ast.ImplDecl{Token: tok}
	if p.curIs(token.IDENT) && p.cur.Literal == "for" {
		// defensive fallback; "for" is a keyword (FOR) in this grammar, so this
		// branch is normally unreachable, but kept for resilience.
		decl.Protocol = first
		p.advance()
		decl.TypeName = p.cur.Literal
		p.expect(token.IDENT)
	} else if p.curIs(token.FOR) {
		decl.Protocol = first
		p.advance()
		decl.TypeName = p.cur.Literal
		p.expect(token.IDENT)
	} else {
		decl.TypeName = first
	}

	p.expect(token.LBRACE)
	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		pub := false
		if p.curIs(token.PUB) {
			pub = true
			p.advance()
		}
		fn := p.parseFnDecl(pub)
		if fn != nil {
			decl.Methods = append(decl.Methods, *fn)
		}
	}
	p.expect(token.RBRACE)
	return decl
}

// ---------------------------------------------------------------------------
// const_decl = [ "pub" ] "const" IDENT "=" expr ";" ;
// ---------------------------------------------------------------------------

func (p *Parser) parseConstDecl(_ bool) *ast.ConstStmt {
	tok := p.cur
	p.advance() // 'const'
	name := p.cur.Literal
	p.expect(token.IDENT)
	if p.curIs(token.COLON) {
		p.advance()
		p.parseType() // advisory annotation, discarded
	}
	p.expect(token.ASSIGN)
	val := p.parseExpression(precLowest)
	p.expect(token.SEMICOLON)
	return &ast.ConstStmt{Token: tok, Name: name, Value: val}
}

// ---------------------------------------------------------------------------
// use_decl = "use" path [ "::" "*" ] [ "as" IDENT ] ";" ;
// ---------------------------------------------------------------------------

func (p *Parser) parseUseDecl() *ast.UseDecl {
	tok := p.cur
	p.advance() // 'use'

	decl := &ast.UseDecl{Token: tok}
	decl.Path = append(decl.Path, p.cur.Literal)
	p.expect(token.IDENT)
	for p.curIs(token.COLONCOLON) {
		p.advance()
		if p.curIs(token.STAR) {
			decl.Wildcard = true
			p.advance()
			break
		}
		decl.Path = append(decl.Path, p.cur.Literal)
		p.expect(token.IDENT)
	}
	if p.curIs(token.AS) {
		p.advance()
		decl.Alias = p.cur.Literal
		p.expect(token.IDENT)
	}
	p.expect(token.SEMICOLON)
	return decl
}

// ---------------------------------------------------------------------------
// mod_decl = [ "pub" ] "mod" IDENT "{" { declaration } "}" ;
// ---------------------------------------------------------------------------

func (p *Parser) parseModDecl(pub bool) *ast.ModDecl {
	tok := p.cur
	p.advance() // 'mod'
	name := p.cur.Literal
	p.expect(token.IDENT)

	decl := &ast.ModDecl{Token: tok, Public: pub, Name: name}
	p.expect(token.LBRACE)
	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		d := p.parseDeclaration()
		if d != nil {
			decl.Declarations = append(decl.Declarations, d)
		}
	}
	p.expect(token.RBRACE)
	return decl
}

// ---------------------------------------------------------------------------
// Types (advisory only — never enforced by the query engine or VM)
// ---------------------------------------------------------------------------

func (p *Parser) parseType() ast.TypeExpr {
	switch p.cur.Type {
	case token.AMP:
		tok := p.cur
		p.advance()
		mut := false
		if p.curIs(token.MUT) {
			mut = true
			p.advance()
		}
		return &ast.RefType{Token: tok, Mut: mut, Elem: p.parseType()}
	case token.LBRACKET:
		tok := p.cur
		p.advance()
		elem := p.parseType()
		p.expect(token.RBRACKET)
		return &ast.ArrayType{Token: tok, Elem: elem}
	case token.FN:
		tok := p.cur
		p.advance()
		p.expect(token.LPAREN)
		var params []ast.TypeExpr
		for !p.curIs(token.RPAREN) && !p.curIs(token.EOF) {
			params = append(params, p.parseType())
			if p.curIs(token.COMMA) {
				p.advance()
			} else {
				break
			}
		}
		p.expect(token.RPAREN)
		var ret ast.TypeExpr
		if p.curIs(token.ARROW) {
			p.advance()
			ret = p.parseType()
		}
		return &ast.FnType{Token: tok, ParamTypes: params, ReturnType: ret}
	default:
		tok := p.cur
		name := p.cur.Literal
		p.expect(token.IDENT)
		if p.curIs(token.COLONCOLON) {
			segs := []string{name}
			for p.curIs(token.COLONCOLON) {
				p.advance()
				segs = append(segs, p.cur.Literal)
				p.expect(token.IDENT)
			}
			return &ast.PathType{Token: tok, Segments: segs}
		}
		return &ast.NamedType{Token: tok, Name: name}
	}
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (p *Parser) parseStatement() ast.Statement {
	switch p.cur.Type {
	case token.LET:
		return p.parseLetStmt()
	case token.CONST:
		return p.parseConstDecl(false)
	case token.RETURN:
		return p.parseReturnStmt()
	case token.BREAK:
		return p.parseBreakStmt()
	case token.CONTINUE:
		return p.parseContinueStmt()
	case token.FOR:
		return p.parseForStmt("")
	case token.WHILE:
		return p.parseWhileStmt("")
	case token.LOOP:
		return p.parseLoopStmt("")
	case token.AT:
		return p.parseLabeledStmt()
	default:
		return p.parseExprOrAssignStmt()
	}
}

// parseLabeledStmt handles "@label: for/while/loop { ... }".
func (p *Parser) parseLabeledStmt() ast.Statement {
	p.advance() // '@'
	label := p.cur.Literal
	p.expect(token.IDENT)
	p.expect(token.COLON)
	switch p.cur.Type {
	case token.FOR:
		return p.parseForStmt(label)
	case token.WHILE:
		return p.parseWhileStmt(label)
	case token.LOOP:
		return p.parseLoopStmt(label)
	default:
		p.errorf(p.cur.Pos, "labels may only prefix for/while/loop, got %s", p.cur.Type)
		return p.parseExprOrAssignStmt()
	}
}

func (p *Parser) parseLetStmt() *ast.LetStmt {
	tok := p.cur
	p.advance() // 'let'
	pat := p.parsePattern()

	var typ ast.TypeExpr
	if p.curIs(token.COLON) {
		p.advance()
		typ = p.parseType()
	}

	var value ast.Expression
	if p.curIs(token.ASSIGN) {
		p.advance()
		value = p.parseExpression(precLowest)
	}
	if p.curIs(token.SEMICOLON) {
		p.advance()
	}
	return &ast.LetStmt{Token: tok, Pattern: pat, Type: typ, Value: value}
}

func (p *Parser) parseReturnStmt() *ast.ReturnStmt {
	tok := p.cur
	p.advance() // 'return'
	var val ast.Expression
	if !p.curIs(token.SEMICOLON) && !p.curIs(token.RBRACE) {
		val = p.parseExpression(precLowest)
	}
	if p.curIs(token.SEMICOLON) {
		p.advance()
	}
	return &ast.ReturnStmt{Token: tok, Value: val}
}

func (p *Parser) parseBreakStmt() *ast.BreakStmt {
	tok := p.cur
	p.advance() // 'break'
	label := ""
	if p.curIs(token.AT) {
		p.advance()
		label = p.cur.Literal
		p.expect(token.IDENT)
	}
	var val ast.Expression
	if !p.curIs(token.SEMICOLON) && !p.curIs(token.RBRACE) {
		val = p.parseExpression(precLowest)
	}
	if p.curIs(token.SEMICOLON) {
		p.advance()
	}
	return &ast.BreakStmt{Token: tok, Label: label, Value: val}
}

func (p *Parser) parseContinueStmt() *ast.ContinueStmt {
	tok := p.cur
	p.advance() // 'continue'
	label := ""
	if p.curIs(token.AT) {
		p.advance()
		label = p.cur.Literal
		p.expect(token.IDENT)
	}
	if p.curIs(token.SEMICOLON) {
		p.advance()
	}
	return &ast.ContinueStmt{Token: tok, Label: label}
}

func (p *Parser) parseForStmt(label string) *ast.ForStmt {
	tok := p.cur
	p.advance() // 'for'
	pat := p.parsePattern()
	p.expect(token.IN)
	iter := p.parseExpression(precLowest)
	body := p.parseBlockExpr()
	return &ast.ForStmt{Token: tok, Label: label, Pattern: pat, Iterable: iter, Body: body}
}

func (p *Parser) parseWhileStmt(label string) *ast.WhileStmt {
	tok := p.cur
	p.advance() // 'while'
	cond := p.parseExpression(precLowest)
	body := p.parseBlockExpr()
	return &ast.WhileStmt{Token: tok, Label: label, Condition: cond, Body: body}
}

func (p *Parser) parseLoopStmt(label string) *ast.LoopStmt {
	tok := p.cur
	p.advance() // 'loop'
	body := p.parseBlockExpr()
	return &ast.LoopStmt{Token: tok, Label: label, Body: body}
}

// parseExprOrAssignStmt parses an expression statement, promoting it to an
// AssignStmt when followed by an assignment operator.
func (p *Parser) parseExprOrAssignStmt() ast.Statement {
	tok := p.cur
	expr := p.parseExpression(precLowest)

	if op, ok := assignOps[p.cur.Type]; ok {
		p.advance()
		val := p.parseExpression(precLowest)
		if p.curIs(token.SEMICOLON) {
			p.advance()
		}
		return &ast.AssignStmt{Token: tok, Target: expr, Operator: op, Value: val}
	}

	if p.curIs(token.SEMICOLON) {
		p.advance()
		return &ast.ExprStmt{Token: tok, Expression: expr}
	}
	// no trailing semicolon: this expression may be a block's tail value,
	// which is handled by parseBlockExpr inspecting the final statement.
	return &ast.ExprStmt{Token: tok, Expression: expr}
}

// ---------------------------------------------------------------------------
// Block expression — last bare expression statement (no semicolon) becomes
// the block's value.
// ---------------------------------------------------------------------------

func (p *Parser) parseBlockExpr() *ast.BlockExpr {
	tok, _ := p.expect(token.LBRACE)
	block := &ast.BlockExpr{Token: tok}

	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		stmt := p.parseStatement()
		if exprStmt, ok := stmt.(*ast.ExprStmt); ok && (p.curIs(token.RBRACE) || p.curIs(token.EOF)) {
			block.Tail = exprStmt.Expression
			break
		}
		block.Statements = append(block.Statements, stmt)
	}
	p.expect(token.RBRACE)
	return block
}

// ---------------------------------------------------------------------------
// Pratt expression parsing
// ---------------------------------------------------------------------------

// currentPrecedence returns the binding power of the token the parser is
// currently sitting on, which — since every parsePrefix/parseInfix helper
// advances past its own token before returning — is always the operator (or
// absence of one) immediately following the expression parsed so far.
func (p *Parser) currentPrecedence() precedence {
	if pr, ok := infixPrecedence[p.cur.Type]; ok {
		return pr
	}
	return precLowest
}

func (p *Parser) parseExpression(min precedence) ast.Expression {
	left := p.parsePrefix()

	for !p.curIs(token.SEMICOLON) && min < p.currentPrecedence() {
		switch p.cur.Type {
		case token.LPAREN:
			left = p.parseCallExpr(left)
		case token.LBRACKET:
			left = p.parseIndexExpr(left)
		case token.DOT:
			left = p.parseDotExpr(left)
		case token.QUESTION:
			tok := p.cur
			p.advance()
			left = &ast.TryExpr{Token: tok, Value: left}
		case token.DOTDOT, token.DOTDOTEQ:
			left = p.parseRangeExpr(left)
		default:
			left = p.parseInfixExpr(left)
		}
	}
	return left
}

func (p *Parser) parseInfixExpr(left ast.Expression) ast.Expression {
	tok := p.cur
	op := tok.Literal
	prec := p.currentPrecedence()
	p.advance()
	right := p.parseExpression(prec)
	return &ast.InfixExpr{Token: tok, Left: left, Operator: op, Right: right}
}

func (p *Parser) parseRangeExpr(left ast.Expression) ast.Expression {
	tok := p.cur
	inclusive := tok.Type == token.DOTDOTEQ
	p.advance()
	var right ast.Expression
	if !p.curIs(token.SEMICOLON) && !p.curIs(token.RBRACE) && !p.curIs(token.RPAREN) && !p.curIs(token.COMMA) {
		right = p.parseExpression(precRange)
	}
	return &ast.RangeExpr{Token: tok, Start: left, End: right, Inclusive: inclusive}
}

func (p *Parser) parseCallExpr(fn ast.Expression) ast.Expression {
	tok := p.cur
	p.advance() // '('
	var args []ast.Expression
	for !p.curIs(token.RPAREN) && !p.curIs(token.EOF) {
		args = append(args, p.parseExpression(precLowest))
		if p.curIs(token.COMMA) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(token.RPAREN)
	return &ast.CallExpr{Token: tok, Function: fn, Args: args}
}

func (p *Parser) parseIndexExpr(left ast.Expression) ast.Expression {
	tok := p.cur
	p.advance() // '['
	idx := p.parseExpression(precLowest)
	p.expect(token.RBRACKET)
	return &ast.IndexExpr{Token: tok, Left: left, Index: idx}
}

func (p *Parser) parseDotExpr(left ast.Expression) ast.Expression {
	tok := p.cur
	p.advance() // '.'
	if p.curIs(token.AWAIT) {
		p.advance()
		return &ast.AwaitExpr{Token: tok, Value: left}
	}
	name := p.cur.Literal
	p.expect(token.IDENT)
	return &ast.FieldExpr{Token: tok, Left: left, Name: name}
}

// parsePrefix dispatches on the current token to parse a primary/prefix
// expression (the "nud" side of the Pratt parser).
func (p *Parser) parsePrefix() ast.Expression {
	switch p.cur.Type {
	case token.INT:
		return p.parseIntLiteral()
	case token.FLOAT:
		return p.parseFloatLiteral()
	case token.STRING:
		return p.parseStringLiteral()
	case token.TEMPLATE:
		return p.parseTemplateLiteral()
	case token.CHAR:
		return p.parseCharLiteral()
	case token.BYTES:
		return p.parseBytesLiteral()
	case token.TRUE, token.FALSE:
		tok := p.cur
		p.advance()
		return &ast.BoolLiteral{Token: tok, Value: tok.Type == token.TRUE}
	case token.NIL:
		tok := p.cur
		p.advance()
		return &ast.NilLiteral{Token: tok}
	case token.SELF:
		tok := p.cur
		p.advance()
		return &ast.Ident{Token: tok, Value: "self"}
	case token.IDENT:
		return p.parseIdentOrPath()
	case token.UNDERSCORE:
		tok := p.cur
		p.advance()
		return &ast.Ident{Token: tok, Value: "_"}
	case token.MINUS, token.BANG, token.TILDE:
		return p.parsePrefixOp()
	case token.AMP:
		return p.parseRefExpr()
	case token.LPAREN:
		return p.parseGroupedOrTuple()
	case token.LBRACKET:
		return p.parseArrayLiteral()
	case token.LBRACE:
		return p.parseBlockExpr()
	case token.IF:
		return p.parseIfExpr()
	case token.MATCH:
		return p.parseMatchExpr()
	case token.ASYNC, token.MOVE, token.PIPE, token.OROR:
		return p.parseClosureExpr()
	case token.AWAIT:
		tok := p.cur
		p.advance()
		return &ast.AwaitExpr{Token: tok, Value: p.parseExpression(precPrefix)}
	case token.YIELD:
		return p.parseYieldExpr()
	case token.SELECT:
		return p.parseSelectExpr()
	default:
		p.errorf(p.cur.Pos, "unexpected token %s (%q) in expression", p.cur.Type, p.cur.Literal)
		tok := p.cur
		p.advance()
		return &ast.Ident{Token: tok, Value: tok.Literal}
	}
}

func (p *Parser) parseIntLiteral() ast.Expression {
	tok := p.cur
	lit := strings.ReplaceAll(tok.Literal, "_", "")
	var val int64
	var err error
	switch {
	case strings.HasPrefix(lit, "0x") || strings.HasPrefix(lit, "0X"):
		val, err = strconv.ParseInt(lit[2:], 16, 64)
	case strings.HasPrefix(lit, "0o") || strings.HasPrefix(lit, "0O"):
		val, err = strconv.ParseInt(lit[2:], 8, 64)
	case strings.HasPrefix(lit, "0b") || strings.HasPrefix(lit, "0B"):
		val, err = strconv.ParseInt(lit[2:], 2, 64)
	default:
		val, err = strconv.ParseInt(lit, 10, 64)
	}
	if err != nil {
		p.errorf(tok.Pos, "invalid integer literal %q: %v", tok.Literal, err)
	}
	p.advance()
	return &ast.IntLiteral{Token: tok, Value: val}
}

func (p *Parser) parseFloatLiteral() ast.Expression {
	tok := p.cur
	val, err := strconv.ParseFloat(strings.ReplaceAll(tok.Literal, "_", ""), 64)
	if err != nil {
		p.errorf(tok.Pos, "invalid float literal %q: %v", tok.Literal, err)
	}
	p.advance()
	return &ast.FloatLiteral{Token: tok, Value: val}
}

// unquote strips the single leading and trailing quote byte the lexer
// preserves around STRING/TEMPLATE/CHAR/BYTES literals.
func unquote(lit string) string {
	if len(lit) >= 2 {
		return lit[1 : len(lit)-1]
	}
	return ""
}

func (p *Parser) parseStringLiteral() ast.Expression {
	tok := p.cur
	p.advance()
	unescaped, ok := lexer.Unescape(unquote(tok.Literal))
	if !ok {
		p.errorf(tok.Pos, "invalid escape sequence in string literal")
	}
	return &ast.StringLiteral{Token: tok, Value: unescaped}
}

func (p *Parser) parseCharLiteral() ast.Expression {
	tok := p.cur
	p.advance()
	unescaped, ok := lexer.Unescape(unquote(tok.Literal))
	var r rune
	if ok {
		for _, rr := range unescaped {
			r = rr
			break
		}
	} else {
		p.errorf(tok.Pos, "invalid escape sequence in char literal")
	}
	return &ast.CharLiteral{Token: tok, Value: r}
}

func (p *Parser) parseBytesLiteral() ast.Expression {
	tok := p.cur
	p.advance()
	unescaped, ok := lexer.Unescape(unquote(tok.Literal))
	if !ok {
		p.errorf(tok.Pos, "invalid escape sequence in bytes literal")
	}
	return &ast.BytesLiteral{Token: tok, Value: []byte(unescaped)}
}

// parseTemplateLiteral splits a raw `...${...}...` lexeme into literal chunks
// and re-parses each interpolation span as a nested expression.
func (p *Parser) parseTemplateLiteral() ast.Expression {
	tok := p.cur
	p.advance()

	lit := &ast.TemplateStringLiteral{Token: tok}
	raw := unquote(tok.Literal)
	var chunk strings.Builder
	i := 0
	for i < len(raw) {
		if i+1 < len(raw) && raw[i] == '$' && raw[i+1] == '{' {
			unescaped, _ := lexer.Unescape(chunk.String())
			lit.Chunks = append(lit.Chunks, unescaped)
			chunk.Reset()
			depth := 1
			j := i + 2
			start := j
			for j < len(raw) && depth > 0 {
				switch raw[j] {
				case '{':
					depth++
				case '}':
					depth--
				}
				if depth > 0 {
					j++
				}
			}
			exprSrc := raw[start:j]
			sub := newParser(tok.Pos.File, exprSrc)
			subExpr := sub.parseExpression(precLowest)
			p.errors = append(p.errors, sub.errors...)
			lit.Exprs = append(lit.Exprs, subExpr)
			i = j + 1
			continue
		}
		chunk.WriteByte(raw[i])
		i++
	}
	unescaped, _ := lexer.Unescape(chunk.String())
	lit.Chunks = append(lit.Chunks, unescaped)
	return lit
}

// parseIdentOrPath parses a bare identifier, a::b::c path, or an object
// literal "Name { ... }" when the brace immediately follows a type-like name.
func (p *Parser) parseIdentOrPath() ast.Expression {
	tok := p.cur
	name := p.cur.Literal
	p.advance()

	if p.curIs(token.COLONCOLON) {
		segs := []string{name}
		for p.curIs(token.COLONCOLON) {
			p.advance()
			segs = append(segs, p.cur.Literal)
			p.expect(token.IDENT)
		}
		return &ast.PathExpr{Token: tok, Segments: segs}
	}

	if p.curIs(token.LBRACE) && startsUpper(name) {
		return p.parseObjectLiteral(tok, name)
	}

	return &ast.Ident{Token: tok, Value: name}
}

func startsUpper(s string) bool {
	return len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z'
}

func (p *Parser) parseObjectLiteral(tok token.Token, typeName string) ast.Expression {
	p.advance() // '{'
	lit := &ast.ObjectLiteral{Token: tok, TypeName: typeName}
	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		ftok := p.cur
		fname := p.cur.Literal
		p.expect(token.IDENT)
		var val ast.Expression
		if p.curIs(token.COLON) {
			p.advance()
			val = p.parseExpression(precLowest)
		}
		lit.Fields = append(lit.Fields, ast.ObjectField{Token: ftok, Name: fname, Value: val})
		if p.curIs(token.COMMA) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(token.RBRACE)
	return lit
}

func (p *Parser) parsePrefixOp() ast.Expression {
	tok := p.cur
	op := tok.Literal
	p.advance()
	right := p.parseExpression(precPrefix)
	return &ast.PrefixExpr{Token: tok, Operator: op, Right: right}
}

func (p *Parser) parseRefExpr() ast.Expression {
	tok := p.cur
	p.advance() // '&'
	mut := false
	if p.curIs(token.MUT) {
		mut = true
		p.advance()
	}
	val := p.parseExpression(precPrefix)
	return &ast.RefExpr{Token: tok, Mut: mut, Value: val}
}

// parseGroupedOrTuple disambiguates "(expr)" from "(a, b, c)".
func (p *Parser) parseGroupedOrTuple() ast.Expression {
	tok := p.cur
	p.advance() // '('
	if p.curIs(token.RPAREN) {
		p.advance()
		return &ast.TupleLiteral{Token: tok}
	}
	first := p.parseExpression(precLowest)
	if p.curIs(token.COMMA) {
		elems := []ast.Expression{first}
		for p.curIs(token.COMMA) {
			p.advance()
			if p.curIs(token.RPAREN) {
				break
			}
			elems = append(elems, p.parseExpression(precLowest))
		}
		p.expect(token.RPAREN)
		return &ast.TupleLiteral{Token: tok, Elements: elems}
	}
	p.expect(token.RPAREN)
	return first
}

func (p *Parser) parseArrayLiteral() ast.Expression {
	tok := p.cur
	p.advance() // '['
	lit := &ast.ArrayLiteral{Token: tok}
	for !p.curIs(token.RBRACKET) && !p.curIs(token.EOF) {
		lit.Elements = append(lit.Elements, p.parseExpression(precLowest))
		if p.curIs(token.COMMA) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(token.RBRACKET)
	return lit
}

func (p *Parser) parseIfExpr() ast.Expression {
	tok := p.cur
	p.advance() // 'if'
	cond := p.parseExpression(precLowest)
	then := p.parseBlockExpr()
	expr := &ast.IfExpr{Token: tok, Condition: cond, Then: then}
	if p.curIs(token.ELSE) {
		p.advance()
		if p.curIs(token.IF) {
			expr.Else = p.parseIfExpr()
		} else {
			expr.Else = p.parseBlockExpr()
		}
	}
	return expr
}

func (p *Parser) parseMatchExpr() ast.Expression {
	tok := p.cur
	p.advance() // 'match'
	subject := p.parseExpression(precLowest)
	p.expect(token.LBRACE)

	expr := &ast.MatchExpr{Token: tok, Subject: subject}
	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		pat := p.parsePattern()
		var guard ast.Expression
		if p.curIs(token.IF) {
			p.advance()
			guard = p.parseExpression(precLowest)
		}
		p.expect(token.FATARROW)
		body := p.parseExpression(precLowest)
		expr.Arms = append(expr.Arms, ast.MatchArm{Pattern: pat, Guard: guard, Body: body})
		if p.curIs(token.COMMA) {
			p.advance()
		}
	}
	p.expect(token.RBRACE)
	return expr
}

// parseClosureExpr handles "|a, b| expr", "move |a| { ... }" and "async |a| expr".
func (p *Parser) parseClosureExpr() ast.Expression {
	tok := p.cur
	isAsync := false
	if p.curIs(token.ASYNC) {
		isAsync = true
		p.advance()
	}
	move := false
	if p.curIs(token.MOVE) {
		move = true
		p.advance()
	}
	var params []ast.Param
	if p.curIs(token.OROR) {
		p.advance() // empty param list "||"
	} else {
		p.expect(token.PIPE)
		for !p.curIs(token.PIPE) && !p.curIs(token.EOF) {
			ptok := p.cur
			pname := p.cur.Literal
			p.expect(token.IDENT)
			var ptyp ast.TypeExpr
			if p.curIs(token.COLON) {
				p.advance()
				ptyp = p.parseType()
			}
			params = append(params, ast.Param{Token: ptok, Name: pname, Type: ptyp})
			if p.curIs(token.COMMA) {
				p.advance()
			} else {
				break
			}
		}
		p.expect(token.PIPE)
	}
	var body ast.Expression
	if p.curIs(token.LBRACE) {
		body = p.parseBlockExpr()
	} else {
		body = p.parseExpression(precLowest)
	}
	if isAsync {
		// an async closure is sugar for a closure returning a Future; the
		// assembler recognizes this by wrapping Body as an async block.
		body = &ast.BlockExpr{Token: tok, Tail: body}
	}
	return &ast.ClosureExpr{Token: tok, Params: params, Body: body, Move: move}
}

func (p *Parser) parseYieldExpr() ast.Expression {
	tok := p.cur
	p.advance() // 'yield'
	var val ast.Expression
	if !p.curIs(token.SEMICOLON) && !p.curIs(token.RBRACE) && !p.curIs(token.COMMA) {
		val = p.parseExpression(precLowest)
	}
	return &ast.YieldExpr{Token: tok, Value: val}
}

func (p *Parser) parseSelectExpr() ast.Expression {
	tok := p.cur
	p.advance() // 'select'
	p.expect(token.LBRACE)
	expr := &ast.SelectExpr{Token: tok}
	for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
		if p.curIs(token.IDENT) && p.cur.Literal == "default" {
			p.advance()
			p.expect(token.FATARROW)
			body := p.parseExpression(precLowest)
			expr.Arms = append(expr.Arms, ast.SelectArm{Default: true, Body: body})
		} else {
			binding := p.cur.Literal
			p.expect(token.IDENT)
			p.expect(token.ASSIGN)
			future := p.parseExpression(precLowest)
			p.expect(token.FATARROW)
			body := p.parseExpression(precLowest)
			expr.Arms = append(expr.Arms, ast.SelectArm{Binding: binding, Future: future, Body: body})
		}
		if p.curIs(token.COMMA) {
			p.advance()
		}
	}
	p.expect(token.RBRACE)
	return expr
}

// ---------------------------------------------------------------------------
// Patterns
// ---------------------------------------------------------------------------

func (p *Parser) parsePattern() ast.Pattern {
	startTok := p.cur
	pat := p.parsePrimaryPattern()
	if p.curIs(token.PIPE) {
		alts := []ast.Pattern{pat}
		for p.curIs(token.PIPE) {
			p.advance()
			alts = append(alts, p.parsePrimaryPattern())
		}
		return &ast.OrPattern{Token: startTok, Alternatives: alts}
	}
	return pat
}

func (p *Parser) parsePrimaryPattern() ast.Pattern {
	switch p.cur.Type {
	case token.UNDERSCORE:
		tok := p.cur
		p.advance()
		return &ast.WildcardPattern{Token: tok}
	case token.MUT:
		p.advance()
		tok := p.cur
		name := p.cur.Literal
		p.expect(token.IDENT)
		return &ast.IdentPattern{Token: tok, Name: name, Mut: true}
	case token.INT, token.FLOAT, token.STRING, token.TRUE, token.FALSE, token.NIL, token.CHAR:
		return p.parseLiteralOrRangePattern()
	case token.MINUS:
		return p.parseLiteralOrRangePattern()
	case token.LPAREN:
		return p.parseTuplePattern()
	case token.IDENT:
		return p.parseIdentStructOrEnumPattern()
	default:
		p.errorf(p.cur.Pos, "unexpected token %s in pattern", p.cur.Type)
		tok := p.cur
		p.advance()
		return &ast.WildcardPattern{Token: tok}
	}
}

func (p *Parser) parseLiteralOrRangePattern() ast.Pattern {
	tok := p.cur
	lit := p.parsePrefix()
	if p.curIs(token.DOTDOT) || p.curIs(token.DOTDOTEQ) {
		inclusive := p.curIs(token.DOTDOTEQ)
		p.advance()
		end := p.parsePrefix()
		return &ast.RangePattern{Token: tok, Start: lit, End: end, Inclusive: inclusive}
	}
	return &ast.LiteralPattern{Token: tok, Literal: lit}
}

func (p *Parser) parseTuplePattern() ast.Pattern {
	tok := p.cur
	p.advance() // '('
	pat := &ast.TuplePattern{Token: tok}
	for !p.curIs(token.RPAREN) && !p.curIs(token.EOF) {
		if p.curIs(token.DOTDOT) {
			p.advance()
			pat.Rest = true
			break
		}
		pat.Elements = append(pat.Elements, p.parsePattern())
		if p.curIs(token.COMMA) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(token.RPAREN)
	return pat
}

// parseIdentStructOrEnumPattern handles a bare binding, Name(...) enum
// pattern, or Name { ... } struct pattern.
func (p *Parser) parseIdentStructOrEnumPattern() ast.Pattern {
	tok := p.cur
	name := p.cur.Literal
	p.advance()

	if p.curIs(token.LPAREN) {
		p.advance()
		pat := &ast.EnumPattern{Token: tok, Variant: name}
		for !p.curIs(token.RPAREN) && !p.curIs(token.EOF) {
			pat.Payload = append(pat.Payload, p.parsePattern())
			if p.curIs(token.COMMA) {
				p.advance()
			} else {
				break
			}
		}
		p.expect(token.RPAREN)
		return pat
	}

	if p.curIs(token.LBRACE) && startsUpper(name) {
		p.advance()
		pat := &ast.StructPattern{Token: tok, TypeName: name}
		for !p.curIs(token.RBRACE) && !p.curIs(token.EOF) {
			if p.curIs(token.DOTDOT) {
				p.advance()
				pat.Rest = true
				break
			}
			fname := p.cur.Literal
			p.expect(token.IDENT)
			var sub ast.Pattern
			if p.curIs(token.COLON) {
				p.advance()
				sub = p.parsePattern()
			}
			pat.Fields = append(pat.Fields, ast.FieldPattern{Name: fname, Pattern: sub})
			if p.curIs(token.COMMA) {
				p.advance()
			} else {
				break
			}
		}
		p.expect(token.RBRACE)
		return pat
	}

	return &ast.IdentPattern{Token: tok, Name: name}
}
